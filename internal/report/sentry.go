package report

import (
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// SetupSentry initializes the Sentry SDK from the SENTRY_DSN environment
// variable. An empty DSN disables delivery, so local runs work unchanged.
func SetupSentry() {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              os.Getenv("SENTRY_DSN"),
		EnableTracing:    true,
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	sentry.CaptureMessage("Tracker started")
}

// FlushSentry drains buffered events before shutdown.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
