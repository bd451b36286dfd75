// Package telemetry is the pipeline's black-box observability
// collaborator: a Tracer interface any component logs/spans through,
// backed by go.uber.org/zap for local output and an optional
// CloudForwarder for shipping the same records to an external collector.
// Grounded on the structured-logging idiom shown in the pack's zap users
// (e.g. the *zap.Logger field + zap.String/zap.Int/zap.Error call-site
// pattern) rather than the teacher's own plain log.Printf, since spec.md's
// tracer contract needs level/attrs structure log.Printf cannot give it.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a log severity, matching the four levels spec.md's Tracer
// contract names.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Tracer is the black-box observability contract every component logs
// and spans through. Span brackets one unit of work; the returned func
// ends it. Log emits one structured record.
type Tracer interface {
	Span(ctx context.Context, name string, attrs map[string]any) (context.Context, func())
	Log(level Level, msg string, attrs map[string]any)
}

// ZapTracer is the default Tracer, logging locally through zap and
// optionally forwarding every record unchanged to a configured collector.
type ZapTracer struct {
	logger    *zap.Logger
	forwarder *CloudForwarder
}

// NewZapTracer constructs a ZapTracer. dev selects zap's human-readable
// development encoder over the JSON production one, mirroring the
// console-vs-JSON choice other pack services make for local runs.
func NewZapTracer(serviceName string, dev bool, forwarder *CloudForwarder) (*ZapTracer, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	if serviceName != "" {
		logger = logger.With(zap.String("service", serviceName))
	}
	return &ZapTracer{logger: logger, forwarder: forwarder}, nil
}

func toZapFields(attrs map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs))
	for k, v := range attrs {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (t *ZapTracer) zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Log emits one structured record through zap and, if a forwarder is
// configured, ships it to the cloud collector too. The forward is
// best-effort: a forwarding failure is logged locally but never returned
// to the caller, since observability must never be able to fail the
// pipeline it observes.
func (t *ZapTracer) Log(level Level, msg string, attrs map[string]any) {
	fields := toZapFields(attrs)
	switch level {
	case LevelDebug:
		t.logger.Debug(msg, fields...)
	case LevelWarn:
		t.logger.Warn(msg, fields...)
	case LevelError:
		t.logger.Error(msg, fields...)
	default:
		t.logger.Info(msg, fields...)
	}
	if t.forwarder != nil {
		if err := t.forwarder.Forward(level, msg, attrs); err != nil {
			t.logger.Warn("telemetry: forward to cloud collector failed", zap.Error(err))
		}
	}
}

// Span logs a start/end pair around the caller's unit of work at debug
// level, tagged with its elapsed duration. ctx is returned unchanged;
// there is no distributed trace-context propagation in this pipeline,
// only the local span/duration bracketing spec.md's contract asks for.
func (t *ZapTracer) Span(ctx context.Context, name string, attrs map[string]any) (context.Context, func()) {
	start := time.Now()
	t.Log(LevelDebug, "span start: "+name, attrs)
	return ctx, func() {
		done := make(map[string]any, len(attrs)+1)
		for k, v := range attrs {
			done[k] = v
		}
		done["duration_ms"] = time.Since(start).Milliseconds()
		t.Log(LevelDebug, "span end: "+name, done)
	}
}

// Sync flushes any buffered log entries, matching zap.Logger's own
// contract; callers should defer this once at startup.
func (t *ZapTracer) Sync() error {
	return t.logger.Sync()
}
