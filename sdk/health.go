package sdk

import (
	"context"
	"net/http"
	"time"

	"github.com/Oudwins/storyd/internals/timeouts"
)

const (
	DefaultPingTimeout = timeouts.Probe
	startInitialDelay  = 250 * time.Millisecond
	startMaxDelay      = 4 * time.Second
)

type InfoLogger interface {
	Info(msg string, args ...any)
}

// IsRunning reports whether a server answers /version at baseURL.
func IsRunning(baseURL string) bool {
	return IsRunningWithTimeout(baseURL, DefaultPingTimeout)
}

func IsRunningWithTimeout(baseURL string, timeout time.Duration) bool {
	if baseURL == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client := NewClient(
		WithBaseURL(baseURL),
		WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	_, err := client.Version(ctx)
	return err == nil
}

// WaitForStart polls baseURL with a doubling delay until the server answers
// or ctx ends.
func WaitForStart(ctx context.Context, baseURL string, logger InfoLogger) bool {
	delay := startInitialDelay
	for attempt := 0; ; attempt++ {
		if IsRunning(baseURL) {
			return true
		}
		if logger != nil {
			logger.Info("Waiting for server to start", "attempt", attempt, "base_url", baseURL)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, startMaxDelay)
	}
}
