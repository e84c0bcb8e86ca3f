package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iterate-ops/machines/internal/model"
)

// Quick-tunnel state lives inside the container: the in-machine tunnel
// daemon writes the public URL to a per-port state file once the tunnel is
// up, and its log to a companion file.
const (
	tunnelURLPathFmt = "/tmp/quick-tunnel-%d.url"
	tunnelLogPathFmt = "/tmp/quick-tunnel-%d.log"

	// tunnelRateLimitMarker appears in the tunnel daemon log when the tunnel
	// provider rejects us for requesting too many tunnels. Distinguished from
	// "still starting" so callers can skip instead of hard-failing.
	tunnelRateLimitMarker = "429 Too Many Requests"

	tunnelPollInterval = 500 * time.Millisecond
	tunnelPollTimeout  = 60 * time.Second
)

// tunnelURL discovers the public quick-tunnel URL for a logical port by
// polling the per-port state file inside the container. The result is
// memoized until the next start/restart.
func (s *Sandbox) tunnelURL(ctx context.Context, port int) (string, error) {
	s.mu.Lock()
	if cached, ok := s.tunnelURLs[port]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	urlPath := fmt.Sprintf(tunnelURLPathFmt, port)
	logPath := fmt.Sprintf(tunnelLogPathFmt, port)

	waitCtx, cancel := context.WithTimeout(ctx, tunnelPollTimeout)
	defer cancel()

	ticker := time.NewTicker(tunnelPollInterval)
	defer ticker.Stop()

	for {
		url, err := s.readTunnelState(waitCtx, urlPath)
		if err == nil && url != "" {
			s.mu.Lock()
			if s.tunnelURLs == nil {
				s.tunnelURLs = map[int]string{}
			}
			s.tunnelURLs[port] = url
			s.mu.Unlock()

			s.logger.Debugf("Discovered tunnel URL for port %d: %s", port, url)
			return url, nil
		}

		// No URL yet: a rate-limited tunnel will never come up, tell the
		// caller now instead of burning the whole timeout.
		logTail, logErr := s.readTunnelState(waitCtx, logPath)
		if logErr == nil && strings.Contains(logTail, tunnelRateLimitMarker) {
			return "", fmt.Errorf("tunnel for port %d was rejected by the tunnel provider: %w", port, model.ErrRateLimited)
		}

		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("tunnel URL for port %d not available within %s (log: %s): %w", port, tunnelPollTimeout, strings.TrimSpace(logTail), model.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// readTunnelState reads one tunnel state file from inside the container.
func (s *Sandbox) readTunnelState(ctx context.Context, path string) (string, error) {
	result, err := s.Exec(ctx, []string{"sh", "-c", fmt.Sprintf("cat %s 2>/dev/null || true", path)})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(result.Stdout), nil
}
