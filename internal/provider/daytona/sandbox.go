package daytona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/ingress"
)

const entrypointSentinelPath = "/tmp/reached-entrypoint"

// Sandbox is a handle to one Daytona-backed machine.
//
// Identity is two-layered: the caller-facing externalID (the sandbox name)
// and the backend's opaque sandbox ID. The latter may be unknown when the
// handle is rebuilt from persisted metadata alone; it is then resolved
// lazily by name lookup and memoized.
type Sandbox struct {
	client      *Client
	logger      log.Logger
	externalID  string
	snapshot    string
	proxyDomain string

	mu           sync.Mutex
	sandboxID    string
	runnerDomain string
}

var _ provider.Sandbox = (*Sandbox)(nil)

// ExternalID returns the caller-assigned canonical identifier.
func (s *Sandbox) ExternalID() string { return s.externalID }

// Type returns the backend running this machine.
func (s *Sandbox) Type() model.ProviderType { return model.ProviderTypeDaytona }

// id returns the backend's opaque sandbox ID, resolving it by name on
// first use.
func (s *Sandbox) id(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sandboxID != "" {
		return s.sandboxID, nil
	}

	sandboxes, err := s.client.ListSandboxes(ctx)
	if err != nil {
		return "", fmt.Errorf("could not resolve sandbox ID for %s: %w", s.externalID, err)
	}

	for _, sb := range sandboxes {
		if sb.Name == s.externalID {
			s.sandboxID = sb.ID
			s.runnerDomain = sb.RunnerDomain
			s.logger.Debugf("Resolved sandbox ID %s for %s", sb.ID, s.externalID)
			return s.sandboxID, nil
		}
	}

	return "", fmt.Errorf("no sandbox named %s: %w", s.externalID, model.ErrNotFound)
}

// Start starts the machine and waits until the backend reports it started.
func (s *Sandbox) Start(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	if err := s.client.StartSandbox(ctx, id); err != nil {
		return err
	}

	return s.waitForState(ctx, stateStarted)
}

// Stop stops the machine. Already-stopped and not-found conditions are
// swallowed.
func (s *Sandbox) Stop(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	err = s.client.StopSandbox(ctx, id)
	if err != nil && !isIgnorableStopErr(err) {
		return err
	}

	return nil
}

// Restart stops then starts the machine.
func (s *Sandbox) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if err := s.waitForState(ctx, stateStopped); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Archive stops the machine and archives it. Archived sandboxes keep their
// disk but release compute; they are restored by a later Start.
func (s *Sandbox) Archive(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	if err := s.Stop(ctx); err != nil {
		return err
	}
	if err := s.waitForState(ctx, stateStopped); err != nil {
		return err
	}

	return s.client.ArchiveSandbox(ctx, id)
}

// Delete stops and hard-deletes the machine. Not-found is swallowed.
func (s *Sandbox) Delete(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	err = s.client.DeleteSandbox(ctx, id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	return nil
}

// Exec runs a command inside the machine through the in-machine toolbox.
func (s *Sandbox) Exec(ctx context.Context, command []string) (*model.ExecResult, error) {
	id, err := s.id(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.ExecCommand(ctx, id, shellJoin(command))
	if err != nil {
		return nil, err
	}

	result := &model.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Result,
	}
	if resp.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with code %d: %s", resp.ExitCode, result.Output())
	}

	return result, nil
}

// State returns the backend-native machine state. It never returns an
// error.
func (s *Sandbox) State(ctx context.Context) model.ProviderState {
	id, err := s.id(ctx)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ProviderState{State: model.StateUnknown}
		}
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	sb, err := s.client.GetSandbox(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ProviderState{State: model.StateUnknown}
		}
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	return model.ProviderState{State: sb.State, ErrorReason: sb.ErrorReason}
}

// BaseURL resolves the preview-proxy URL for a logical port:
// https://{port}-{sandboxID}.{proxyDomain}.
func (s *Sandbox) BaseURL(ctx context.Context, port int) (string, error) {
	id, err := s.id(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	domain := s.runnerDomain
	s.mu.Unlock()
	if domain == "" {
		domain = s.proxyDomain
	}

	return fmt.Sprintf("https://%d-%s.%s", port, id, domain), nil
}

// Fetcher returns an ingress fetcher routing requests to a logical port
// inside the machine.
func (s *Sandbox) Fetcher(ctx context.Context, port int) (*ingress.Fetcher, error) {
	baseURL, err := s.BaseURL(ctx, ingress.ProxyPort)
	if err != nil {
		return nil, err
	}

	return ingress.NewFetcher(ingress.FetcherConfig{
		BaseURL:    baseURL,
		TargetPort: port,
	})
}

// Metadata returns the backend-tagged blob the caller must persist. The
// sandbox ID is included when already resolved so later handles skip the
// name lookup.
func (s *Sandbox) Metadata(ctx context.Context) (*model.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &model.Metadata{
		Type: model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{
			SandboxID: s.sandboxID,
			Snapshot:  s.snapshot,
		},
	}, nil
}

// waitForState polls the backend until the sandbox reaches the wanted
// state. A backend-reported error state fails immediately with its reason.
func (s *Sandbox) waitForState(ctx context.Context, want string) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, statePollTimeout)
	defer cancel()

	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	lastState := ""
	for {
		sb, err := s.client.GetSandbox(waitCtx, id)
		if err == nil {
			lastState = sb.State
			if sb.State == want {
				return nil
			}
			if sb.State == stateError {
				return fmt.Errorf("sandbox %s entered error state: %s", s.externalID, sb.ErrorReason)
			}
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("sandbox %s did not reach state %q within %s (last state %q): %w", s.externalID, want, statePollTimeout, lastState, model.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// waitForEntrypointSentinel polls for the sentinel file the image's entry
// script writes right before exec'ing the caller's command.
func (s *Sandbox) waitForEntrypointSentinel(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, sentinelPollTimeout)
	defer cancel()

	ticker := time.NewTicker(sentinelPollInterval)
	defer ticker.Stop()

	for {
		resp, err := s.client.ExecCommand(waitCtx, id, "test -f "+entrypointSentinelPath)
		if err == nil && resp.ExitCode == 0 {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("entrypoint sentinel %s not observed within %s: %w", entrypointSentinelPath, sentinelPollTimeout, model.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// isIgnorableStopErr reports whether a stop failure means the machine was
// already stopped or gone.
func isIgnorableStopErr(err error) bool {
	if errors.Is(err, model.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already stopped") || strings.Contains(msg, "not running")
}

// shellJoin renders an argument vector as a single shell command line,
// single-quoting each argument.
func shellJoin(command []string) string {
	quoted := make([]string, 0, len(command))
	for _, arg := range command {
		quoted = append(quoted, "'"+strings.ReplaceAll(arg, "'", `'\''`)+"'")
	}
	return strings.Join(quoted, " ")
}
