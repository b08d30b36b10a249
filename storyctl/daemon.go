package storyctl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Oudwins/storyd/internals/timeouts"
	"github.com/Oudwins/storyd/sdk"
)

const (
	serverBinary = "storyd"
	startTimeout = 15 * time.Second
)

var timeNow = time.Now

// ensureServerRunning checks the server answers. A local server that is down
// is started with `storyd serve` when allowed.
func ensureServerRunning(ctx context.Context, client *sdk.Client, allowStart bool) error {
	if sdk.IsRunningWithTimeout(client.BaseURL(), timeouts.Probe) {
		return nil
	}
	if !allowStart || !isLocal(client.BaseURL()) {
		return fmt.Errorf("storyd is not reachable at %s", client.BaseURL())
	}
	if err := startServer(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if !sdk.WaitForStart(waitCtx, client.BaseURL(), nil) {
		return fmt.Errorf("started storyd but it did not answer at %s", client.BaseURL())
	}
	return nil
}

func isLocal(baseURL string) bool {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func startServer() error {
	path, err := findServerBinary()
	if err != nil {
		return err
	}
	cmd := exec.Command(path, "serve")
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start storyd: %w", err)
	}
	return cmd.Process.Release()
}

func findServerBinary() (string, error) {
	if executable, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(executable), serverBinary)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(serverBinary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", serverBinary)
	}
	return path, nil
}
