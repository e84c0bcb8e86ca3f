package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/ingress"
	"github.com/iterate-ops/machines/internal/supervisor"
)

// entrypointSentinelPath marks that the machine's primary process started.
// It is the sole readiness signal when the supervisor is bypassed.
const entrypointSentinelPath = "/tmp/reached-entrypoint"

// Sandbox is a handle to one container machine.
type Sandbox struct {
	client      DockerClient
	logger      log.Logger
	externalID  string
	hostAddr    string
	ingressMode string
	image       string

	mu          sync.Mutex
	containerID string
	ports       map[int]int // internal -> host, remapped on every (re)start
	tunnelURLs  map[int]string
}

var _ provider.Sandbox = (*Sandbox)(nil)

// ExternalID returns the caller-assigned identifier.
func (s *Sandbox) ExternalID() string { return s.externalID }

// Type returns the provider type.
func (s *Sandbox) Type() model.ProviderType { return model.ProviderTypeDocker }

// Start starts the container. Host ports are remapped on every start, so
// cached resolutions are invalidated and re-resolved.
func (s *Sandbox) Start(ctx context.Context) error {
	ref, err := s.ref(ctx)
	if err != nil {
		return err
	}

	if err := s.client.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		if !strings.Contains(err.Error(), "already started") && !strings.Contains(err.Error(), "is already running") {
			return fmt.Errorf("could not start container %s: %w", ref, err)
		}
	}

	s.invalidateNetworkState()
	if _, err := s.resolvePorts(ctx); err != nil {
		return err
	}

	s.logger.Infof("Started machine %s", s.externalID)
	return nil
}

// Stop stops the container. Already-stopped and not-found conditions are
// swallowed: callers stop speculatively during cleanup.
func (s *Sandbox) Stop(ctx context.Context) error {
	ref, err := s.ref(ctx)
	if err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return err
	}

	timeout := stopTimeoutSeconds
	if err := s.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if isNotFoundErr(err) || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "already stopped") {
			s.logger.Debugf("Container %s already stopped", ref)
			return nil
		}
		return fmt.Errorf("could not stop container %s: %w", ref, err)
	}

	s.logger.Infof("Stopped machine %s", s.externalID)
	return nil
}

// Restart restarts the container and re-resolves host ports, since the
// engine remaps them on every restart.
func (s *Sandbox) Restart(ctx context.Context) error {
	ref, err := s.ref(ctx)
	if err != nil {
		return err
	}

	timeout := stopTimeoutSeconds
	if err := s.client.ContainerRestart(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("could not restart container %s: %w", ref, err)
	}

	s.invalidateNetworkState()
	if _, err := s.resolvePorts(ctx); err != nil {
		return err
	}

	s.logger.Infof("Restarted machine %s", s.externalID)
	return nil
}

// Archive degrades to a best-effort stop: the container engine has no
// archival, the stopped container itself is the archived form.
func (s *Sandbox) Archive(ctx context.Context) error {
	return s.Stop(ctx)
}

// Delete force-removes the container. Calling it twice never fails on the
// second call.
func (s *Sandbox) Delete(ctx context.Context) error {
	ref, err := s.ref(ctx)
	if err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return err
	}

	if err := s.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if isNotFoundErr(err) {
			s.logger.Debugf("Container %s already removed", ref)
			return nil
		}
		return fmt.Errorf("could not remove container %s: %w", ref, err)
	}

	s.logger.Infof("Deleted machine %s", s.externalID)
	return nil
}

// Exec runs a command inside the container and captures its output.
func (s *Sandbox) Exec(ctx context.Context, command []string) (*model.ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}

	ref, err := s.ref(ctx)
	if err != nil {
		return nil, err
	}

	createResp, err := s.client.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create exec: %w", err)
	}

	attachResp, err := s.client.ContainerExecAttach(ctx, createResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not attach to exec: %w", err)
	}
	defer attachResp.Close()

	// The engine multiplexes stdout/stderr on a single stream.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("could not read exec output: %w", err)
	}

	inspectResp, err := s.client.ContainerExecInspect(ctx, createResp.ID)
	if err != nil {
		return nil, fmt.Errorf("could not inspect exec: %w", err)
	}

	result := &model.ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Output())
	}

	return result, nil
}

// State returns the container's backend-native state. It never returns an
// error.
func (s *Sandbox) State(ctx context.Context) model.ProviderState {
	ref, err := s.ref(ctx)
	if err != nil {
		if isNotFoundErr(err) {
			return model.ProviderState{State: model.StateUnknown}
		}
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	info, err := s.client.ContainerInspect(ctx, ref)
	if err != nil {
		if isNotFoundErr(err) {
			return model.ProviderState{State: model.StateUnknown}
		}
		return model.ProviderState{State: model.StateError, ErrorReason: err.Error()}
	}

	state := model.ProviderState{State: info.State.Status}
	if info.State.Error != "" {
		state.ErrorReason = info.State.Error
	}

	return state
}

// BaseURL resolves a reachable URL for a logical port inside the machine:
// the mapped host port, or the discovered quick-tunnel URL in tunnel mode.
func (s *Sandbox) BaseURL(ctx context.Context, port int) (string, error) {
	if s.ingressMode == IngressModeTunnel {
		return s.tunnelURL(ctx, port)
	}

	ports, err := s.resolvedPorts(ctx)
	if err != nil {
		return "", err
	}

	hostPort, ok := ports[port]
	if !ok {
		return "", fmt.Errorf("port %d has no host mapping: %w", port, model.ErrNotFound)
	}

	return fmt.Sprintf("http://%s:%d", s.hostAddr, hostPort), nil
}

// Fetcher returns an ingress fetcher: traffic physically lands on the
// ingress proxy port, the logical target rides in the routing header.
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

// Metadata returns the blob the caller persists to rehydrate this handle.
func (s *Sandbox) Metadata(ctx context.Context) (*model.Metadata, error) {
	ref, err := s.ref(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ports := make(map[int]int, len(s.ports))
	for k, v := range s.ports {
		ports[k] = v
	}
	s.mu.Unlock()

	return &model.Metadata{
		Type: model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{
			ContainerID: ref,
			Ports:       ports,
			Image:       s.image,
		},
	}, nil
}

// ref resolves the container reference lazily: the cached container ID when
// known, otherwise an inspect by name (containers are named after the
// external ID). The result is memoized.
func (s *Sandbox) ref(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.containerID != "" {
		id := s.containerID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	info, err := s.client.ContainerInspect(ctx, s.externalID)
	if err != nil {
		if isNotFoundErr(err) {
			return "", fmt.Errorf("container %s: %w", s.externalID, model.ErrNotFound)
		}
		return "", fmt.Errorf("could not inspect container %s: %w", s.externalID, err)
	}

	s.mu.Lock()
	s.containerID = info.ID
	s.mu.Unlock()

	return info.ID, nil
}

// resolvedPorts returns the cached port map, resolving it first if needed.
func (s *Sandbox) resolvedPorts(ctx context.Context) (map[int]int, error) {
	s.mu.Lock()
	cached := s.ports
	s.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}

	return s.resolvePorts(ctx)
}

// resolvePorts polls container inspection until every service port has a
// host binding. Bindings only appear once the container is running.
func (s *Sandbox) resolvePorts(ctx context.Context) (map[int]int, error) {
	ref, err := s.ref(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, portResolveTimeout)
	defer cancel()

	ticker := time.NewTicker(portResolveInterval)
	defer ticker.Stop()

	for {
		info, err := s.client.ContainerInspect(ctx, ref)
		if err == nil && info.NetworkSettings != nil {
			ports, ok := hostPorts(info.NetworkSettings.Ports)
			if ok {
				s.mu.Lock()
				s.ports = ports
				s.mu.Unlock()
				s.logger.Debugf("Resolved host ports for %s: %v", s.externalID, ports)
				return ports, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("host ports for %s were not resolved within %s: %w", s.externalID, portResolveTimeout, model.ErrTimeout)
		case <-ticker.C:
		}
	}
}

func (s *Sandbox) invalidateNetworkState() {
	s.mu.Lock()
	s.ports = nil
	s.tunnelURLs = nil
	s.mu.Unlock()
}

// waitForSupervisor polls the in-machine supervisor health check through its
// mapped host port until it answers.
func (s *Sandbox) waitForSupervisor(ctx context.Context) error {
	ports, err := s.resolvedPorts(ctx)
	if err != nil {
		return err
	}

	hostPort, ok := ports[supervisor.Port]
	if !ok {
		return fmt.Errorf("supervisor port has no host mapping: %w", model.ErrNotFound)
	}

	sup, err := supervisor.NewClient(supervisor.ClientConfig{
		BaseURL: fmt.Sprintf("http://%s:%d", s.hostAddr, hostPort),
	})
	if err != nil {
		return fmt.Errorf("could not create supervisor client: %w", err)
	}

	if err := sup.WaitHealthy(ctx, readinessInterval, readinessTimeout); err != nil {
		return fmt.Errorf("machine %s: %s: %w", s.externalID, s.logsTail(ctx), err)
	}

	return nil
}

// waitForEntrypointSentinel polls for the sentinel file the image's entry
// script writes before exec-ing the caller's command. With the supervisor
// bypassed this is the sole readiness signal.
func (s *Sandbox) waitForEntrypointSentinel(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		result, err := s.Exec(waitCtx, []string{"test", "-f", entrypointSentinelPath})
		if err == nil && result.ExitCode == 0 {
			s.logger.Debugf("Entrypoint sentinel observed for %s", s.externalID)
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("entrypoint sentinel %s not observed within %s for machine %s: %s: %w",
				entrypointSentinelPath, readinessTimeout, s.externalID, s.logsTail(ctx), model.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// logsTail fetches a short container log tail for timeout diagnostics.
// Best effort: failures return a placeholder instead of masking the timeout.
func (s *Sandbox) logsTail(ctx context.Context) string {
	ref, err := s.ref(ctx)
	if err != nil {
		return "(no logs available)"
	}

	reader, err := s.client.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return "(no logs available)"
	}
	defer reader.Close()

	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, reader)
	tail := strings.TrimSpace(buf.String())
	if tail == "" {
		return "(no logs available)"
	}

	return "last logs: " + tail
}

// hostPorts extracts the internal->host port map from inspect results,
// reporting false until every service port is bound.
func hostPorts(portMap nat.PortMap) (map[int]int, bool) {
	resolved := map[int]int{}
	for _, port := range servicePorts {
		bindings := portMap[nat.Port(fmt.Sprintf("%d/tcp", port))]
		if len(bindings) == 0 {
			return nil, false
		}

		hostPort, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil || hostPort == 0 {
			return nil, false
		}
		resolved[port] = hostPort
	}

	return resolved, true
}

func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "not found")
}
