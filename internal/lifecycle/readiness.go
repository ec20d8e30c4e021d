package lifecycle

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"
)

// tcpProbe reports whether a TCP connection to 127.0.0.1:port
// succeeds, as one of the two readiness signals (spec.md §4.4).
// Grounded on waitForContainerReady in
// other_examples's apex-build-platform preview container server,
// generalized from a blocking poll loop into a single probe the
// caller's own poll loop invokes alongside the log-token scan.
func tcpProbe(port int) bool {
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", address, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// containsReadinessToken reports whether line contains one of the
// configured readiness tokens (default "Local:", "ready in",
// "Server running").
func containsReadinessToken(line string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(line, tok) {
			return true
		}
	}
	return false
}

// waitReady polls until either a readiness token is seen in the lines
// pollLog returns or a TCP probe to the assigned port succeeds,
// honoring ctx cancellation and an overall timeout. pollLog is called
// once per tick and every line it returns is scanned, so it may return
// the same recent tail on each call (DockerController passes the last
// 50 lines of container output).
func waitReady(ctx context.Context, port int, timeout time.Duration, tokens []string, pollLog func(ctx context.Context) ([]string, error), pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lines, err := pollLog(ctx)
		if err == nil {
			for _, line := range lines {
				if containsReadinessToken(line, tokens) {
					return nil
				}
			}
		}

		if tcpProbe(port) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return ErrStartupTimeout
}
