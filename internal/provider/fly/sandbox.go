package fly

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

// Sandbox is a handle to one Fly-backed machine. The app is named after the
// external ID and holds exactly one machine; the machine ID is resolved
// lazily when the handle was rebuilt without it.
type Sandbox struct {
	client     *Client
	logger     log.Logger
	externalID string
	baseDomain string
	image      string
	cpus       int

	mu         sync.Mutex
	machineID  string
	instanceID string
}

var _ provider.Sandbox = (*Sandbox)(nil)

// ExternalID returns the caller-assigned canonical identifier.
func (s *Sandbox) ExternalID() string { return s.externalID }

// Type returns the backend running this machine.
func (s *Sandbox) Type() model.ProviderType { return model.ProviderTypeFly }

// id returns the machine ID, discovering the app's single machine on first
// use.
func (s *Sandbox) id(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machineID != "" {
		return s.machineID, nil
	}

	machines, err := s.client.ListMachines(ctx, s.externalID)
	if err != nil {
		return "", fmt.Errorf("could not resolve machine ID for %s: %w", s.externalID, err)
	}
	if len(machines) == 0 {
		return "", fmt.Errorf("app %s has no machines: %w", s.externalID, model.ErrNotFound)
	}

	s.machineID = machines[0].ID
	s.instanceID = machines[0].InstanceID
	s.logger.Debugf("Resolved machine ID %s for %s", s.machineID, s.externalID)

	return s.machineID, nil
}

// Start starts the machine. The fleet briefly refuses to start a machine
// whose previous instance is still winding down, so that precondition race
// gets a bounded retry.
func (s *Sandbox) Start(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	s.invalidateInstance()

	err = withRetries(ctx, s.logger, startRetryAttempts, startRetryBackoff, isStillActiveErr, func(ctx context.Context) error {
		return s.client.StartMachine(ctx, s.externalID, id)
	})
	if err != nil {
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

	err = s.client.StopMachine(ctx, s.externalID, id)
	if err != nil && !isIgnorableStopErr(err) {
		return err
	}

	return nil
}

// Restart restarts the machine and waits until the fleet reports it started
// again.
func (s *Sandbox) Restart(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	s.invalidateInstance()

	if err := s.client.RestartMachine(ctx, s.externalID, id); err != nil {
		return err
	}

	return s.waitForState(ctx, stateStarted)
}

// Archive degrades to a best-effort stop: the fleet has no archival.
func (s *Sandbox) Archive(ctx context.Context) error {
	return s.Stop(ctx)
}

// Delete force-deletes the machine and reclaims its app. Not-found is
// swallowed at both levels.
func (s *Sandbox) Delete(ctx context.Context) error {
	id, err := s.id(ctx)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if id != "" {
		err := s.client.DeleteMachine(ctx, s.externalID, id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}

	// The app carries the DNS name and the shared IP; deleting it reclaims
	// both.
	err = s.client.DeleteApp(ctx, s.externalID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	return nil
}

// Exec runs a command inside the machine. Transport-level timeouts get a
// bounded linear-backoff retry; a command that ran and exited non-zero is a
// result and is never retried.
func (s *Sandbox) Exec(ctx context.Context, command []string) (*model.ExecResult, error) {
	id, err := s.id(ctx)
	if err != nil {
		return nil, err
	}

	var resp *execMachineResponse
	err = withRetries(ctx, s.logger, execRetryAttempts, execRetryBackoff, isTransientErr, func(ctx context.Context) error {
		r, err := s.client.ExecMachine(ctx, s.externalID, id, command)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &model.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
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

	machine, err := s.client.GetMachine(ctx, s.externalID, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ProviderState{State: model.StateUnknown}
		}
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	return model.ProviderState{State: machine.State}
}

// BaseURL resolves the public URL for a logical port. Ports 443 and the
// in-machine ingress port ride the TLS edge without a port suffix; anything
// else is addressed directly.
func (s *Sandbox) BaseURL(ctx context.Context, port int) (string, error) {
	host := fmt.Sprintf("%s.%s", s.externalID, s.baseDomain)
	if port == 443 || port == ingress.ProxyPort {
		return "https://" + host, nil
	}
	return fmt.Sprintf("http://%s:%d", host, port), nil
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

// Metadata returns the backend-tagged blob the caller must persist.
func (s *Sandbox) Metadata(ctx context.Context) (*model.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &model.Metadata{
		Type: model.ProviderTypeFly,
		Fly: &model.FlyMetadata{
			MachineID: s.machineID,
			CPUs:      s.cpus,
			Snapshot:  s.image,
		},
	}, nil
}

// waitForState blocks until the machine reaches the wanted state. The API's
// own wait call has a short server-side timeout, so the total deadline is
// covered by repeated short sub-waits.
func (s *Sandbox) waitForState(ctx context.Context, state string) error {
	id, err := s.id(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	instanceID := s.instanceID
	s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, waitTotalTimeout)
	defer cancel()

	var lastErr error
	for {
		lastErr = s.client.WaitMachine(waitCtx, s.externalID, id, instanceID, state, waitSubTimeout)
		if lastErr == nil {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("machine %s did not reach state %q within %s (last error: %v): %w", s.externalID, state, waitTotalTimeout, lastErr, model.ErrTimeout)
		case <-time.After(time.Second):
		}
	}
}

// invalidateInstance drops the cached instance ID so the next wait binds to
// the new instance, not the one being replaced.
func (s *Sandbox) invalidateInstance() {
	s.mu.Lock()
	s.instanceID = ""
	s.mu.Unlock()
}

// isStillActiveErr matches the precondition race where the previous
// instance has not fully released the machine yet.
func isStillActiveErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "still active") || strings.Contains(msg, "precondition failed")
}

// isIgnorableStopErr reports whether a stop failure means the machine was
// already stopped or gone.
func isIgnorableStopErr(err error) bool {
	if errors.Is(err, model.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already stopped") || strings.Contains(msg, "not started") || strings.Contains(msg, "not running")
}

// isAlreadyExistsErr reports whether a create failed because the resource
// is already there.
func isAlreadyExistsErr(err error) bool {
	if errors.Is(err, model.ErrAlreadyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
