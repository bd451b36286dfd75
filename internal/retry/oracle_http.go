package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPOracleConfig configures a generic REST Decision Oracle, used for the
// azure/gemini/groq/cohere providers (none of which warrant a dedicated
// SDK for this single classify-an-exception call; see DESIGN.md).
type HTTPOracleConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPOracle is a retrying REST client for an external Decision Oracle.
// Directly adapted from the teacher's ai-infra/internal/sentinel.HTTPClient:
// same attempt loop, same per-attempt context.WithTimeout, same
// linear-backoff-between-attempts shape.
type HTTPOracle struct {
	baseURL string
	path    string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	retries int
}

// NewHTTPOracle constructs an HTTPOracle.
func NewHTTPOracle(cfg HTTPOracleConfig) (*HTTPOracle, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("retry: oracle base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/retry-decision"
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
	return &HTTPOracle{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		apiKey:  cfg.APIKey,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (o *HTTPOracle) Decide(ctx context.Context, exc ExceptionSummary) (Decision, error) {
	payload := map[string]any{
		"exceptionType":    exc.Type,
		"exceptionMessage": exc.Message,
		"context":          exc.Context,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, fmt.Errorf("oracle marshal request: %w", err)
	}

	attempts := o.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, o.baseURL+o.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Decision{}, fmt.Errorf("oracle build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		resp, err := o.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decision, parseErr := decodeDecision(resp)
			resp.Body.Close()
			if parseErr == nil {
				return decision, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Decision{}, fmt.Errorf("oracle decide failed: %w", lastErr)
}

func decodeDecision(resp *http.Response) (Decision, error) {
	if resp.StatusCode >= 500 {
		return Decision{}, fmt.Errorf("oracle unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("oracle rejected request: %s", resp.Status)
	}
	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("oracle decode response: %w", err)
	}
	return decision, nil
}
