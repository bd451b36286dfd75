package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ForwarderConfig configures a CloudForwarder, the optional OTLP-style
// HTTP sink spec.md's observability section calls for when
// send_to_cloud is set.
type ForwarderConfig struct {
	BaseURL    string
	Path       string // defaults to "/v1/logs"
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// CloudForwarder ships log/span records to an external collector over
// plain net/http, directly adapted from the teacher's
// ai-infra/internal/sentinel.HTTPClient: same attempt loop, same
// per-attempt context.WithTimeout, same linear-backoff-between-attempts
// shape, generalized from a single classify-this-artifact POST to a
// fire-and-forget log-record POST.
type CloudForwarder struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

// NewCloudForwarder constructs a CloudForwarder.
func NewCloudForwarder(cfg ForwarderConfig) (*CloudForwarder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("telemetry: cloud forwarder base url required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telemetry: cloud forwarder token required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/logs"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &CloudForwarder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type logRecord struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Forward POSTs one log record to the collector, retrying transient
// failures the same number of times the teacher's sentinel.HTTPClient
// does, with the same linear backoff between attempts.
func (f *CloudForwarder) Forward(level Level, msg string, attrs map[string]any) error {
	body, err := json.Marshal(logRecord{Level: level, Message: msg, Attrs: attrs, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("telemetry: marshal log record: %w", err)
	}

	attempts := f.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		reqCtx, cancel := context.WithTimeout(context.Background(), f.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.baseURL+f.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("telemetry: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+f.token)
		resp, err := f.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
			lastErr = fmt.Errorf("collector returned %s", resp.Status)
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("telemetry: forward failed after %d attempts: %w", attempts, lastErr)
}
