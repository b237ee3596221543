package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/acme/voice-campaign-engine/internal/config"
)

// ErrorReporter forwards errors that background loops swallow after logging.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

// NopReporter drops every error.
type NopReporter struct{}

// Report implements ErrorReporter.
func (NopReporter) Report(error, map[string]string) {}

// SentryReporter sends errors to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// SetupSentry initialises the Sentry client. Without a DSN it returns a
// NopReporter and a no-op flush.
func SetupSentry(cfg config.SentryConfig, app config.AppConfig) (ErrorReporter, func(time.Duration), error) {
	if cfg.DSN == "" {
		return NopReporter{}, func(time.Duration) {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      app.Env,
		Release:          app.Version,
		EnableTracing:    cfg.TracesSampleRate > 0,
		TracesSampleRate: cfg.TracesSampleRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sentry init: %w", err)
	}
	flush := func(timeout time.Duration) { sentry.Flush(timeout) }
	return &SentryReporter{hub: sentry.CurrentHub()}, flush, nil
}

// Report implements ErrorReporter.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}
