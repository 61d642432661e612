package app

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"tracker.transitwatch.org/internal/metrics"
)

// latencyTrackingRoundTripper wraps another RoundTripper to measure the
// latency of each outgoing HTTP request and export it to Prometheus,
// labeled by URL, method, and response status.
type latencyTrackingRoundTripper struct {
	next http.RoundTripper
}

func (rt *latencyTrackingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(req)
	duration := time.Since(start).Seconds()

	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	// Scheme + host + path only: query strings carry the API key.
	safeURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path

	metrics.OutgoingLatency.WithLabelValues(
		safeURL,
		req.Method,
		status,
	).Observe(duration)

	return resp, err
}

// NewPooledClient returns an HTTP client tuned for polling the upstream
// API roughly once a minute: keep-alive connections are pooled and held
// past the poll interval, connection setup fails fast, and each request is
// bounded end to end. The transport is instrumented with the outgoing
// latency histogram.
func NewPooledClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	instrumentedTransport := &latencyTrackingRoundTripper{next: transport}

	client := &http.Client{
		Transport: instrumentedTransport,
		Timeout:   10 * time.Second,
	}
	return client
}
