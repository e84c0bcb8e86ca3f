package docker_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider/docker"
	"github.com/iterate-ops/machines/internal/provider/ingress"
	"github.com/iterate-ops/machines/internal/supervisor"
)

type mockDockerClient struct {
	mock.Mock
}

func (m *mockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, networkingConfig, platform, containerName)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *mockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *mockDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *mockDockerClient) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *mockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *mockDockerClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	args := m.Called(ctx, containerID)
	return args.Get(0).(container.InspectResponse), args.Error(1)
}

func (m *mockDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]container.Summary), args.Error(1)
}

func (m *mockDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, containerID, options)
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockDockerClient) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	args := m.Called(ctx, containerID, options)
	return args.Get(0).(container.ExecCreateResponse), args.Error(1)
}

func (m *mockDockerClient) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	args := m.Called(ctx, execID, options)
	return args.Get(0).(types.HijackedResponse), args.Error(1)
}

func (m *mockDockerClient) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	args := m.Called(ctx, execID)
	return args.Get(0).(container.ExecInspect), args.Error(1)
}

func (m *mockDockerClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]image.Summary), args.Error(1)
}

// hijackedOutput builds an engine-multiplexed exec output stream.
func hijackedOutput(t *testing.T, stdout, stderr string) types.HijackedResponse {
	t.Helper()

	var buf bytes.Buffer
	if stdout != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
		require.NoError(t, err)
	}
	if stderr != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
		require.NoError(t, err)
	}

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = serverConn.Close() })

	return types.HijackedResponse{
		Conn:   clientConn,
		Reader: bufio.NewReader(bytes.NewReader(buf.Bytes())),
	}
}

// expectExec registers one full exec round trip on the mock.
func expectExec(t *testing.T, cli *mockDockerClient, execID string, stdout, stderr string, exitCode int) {
	t.Helper()

	cli.On("ContainerExecCreate", mock.Anything, mock.Anything, mock.Anything).
		Return(container.ExecCreateResponse{ID: execID}, nil).Once()
	cli.On("ContainerExecAttach", mock.Anything, execID, mock.Anything).
		Return(hijackedOutput(t, stdout, stderr), nil).Once()
	cli.On("ContainerExecInspect", mock.Anything, execID).
		Return(container.ExecInspect{ExitCode: exitCode}, nil).Once()
}

func inspectWithPorts(id string, status string, ports map[int]int) container.InspectResponse {
	portMap := nat.PortMap{}
	for internal, host := range ports {
		portMap[nat.Port(fmt.Sprintf("%d/tcp", internal))] = []nat.PortBinding{{HostPort: strconv.Itoa(host)}}
	}

	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			State: &container.State{Status: status},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: portMap},
		},
	}
}

func newTestProvider(t *testing.T, cli *mockDockerClient, extraEnv map[string]string) *docker.Provider {
	t.Helper()

	envMap := map[string]string{docker.EnvImage: "ghcr.io/iterate-ops/agent-os:latest"}
	for k, v := range extraEnv {
		envMap[k] = v
	}

	p, err := docker.NewProvider(docker.ProviderConfig{
		Env:    envMap,
		Client: cli,
	})
	require.NoError(t, err)

	return p
}

func TestCreateValidation(t *testing.T) {
	tests := map[string]struct {
		env    map[string]string
		opts   model.CreateSandboxOptions
		expErr error
	}{
		"Invalid external ID fails before any engine call": {
			opts:   model.CreateSandboxOptions{ExternalID: "Invalid Name!"},
			expErr: model.ErrNotValid,
		},
		"Missing image fails before any engine call": {
			env:    map[string]string{docker.EnvImage: ""},
			opts:   model.CreateSandboxOptions{ExternalID: "agent-1"},
			expErr: model.ErrNotValid,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cli := &mockDockerClient{}
			p := newTestProvider(t, cli, tt.env)

			_, err := p.Create(context.Background(), tt.opts)

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expErr))
			cli.AssertNotCalled(t, "ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCreateWithSupervisorReadiness(t *testing.T) {
	// Fake in-machine supervisor reachable through the mapped host port.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	supervisorHostPort, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	cli := &mockDockerClient{}
	cli.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "agent-1").
		Return(container.CreateResponse{ID: "c1"}, nil)
	cli.On("ContainerStart", mock.Anything, "c1", mock.Anything).Return(nil)
	cli.On("ContainerInspect", mock.Anything, "c1").
		Return(inspectWithPorts("c1", "running", map[int]int{
			ingress.ProxyPort: 49100,
			supervisor.Port:   supervisorHostPort,
		}), nil)

	p := newTestProvider(t, cli, map[string]string{docker.EnvHostAddr: serverURL.Hostname()})

	sb, err := p.Create(context.Background(), model.CreateSandboxOptions{
		ExternalID: "agent-1",
		Name:       "Agent one",
		EnvVars:    map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)

	baseURL, err := sb.BaseURL(context.Background(), ingress.ProxyPort)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://%s:49100", serverURL.Hostname()), baseURL)

	// The container command was not overridden: the default supervisor runs.
	createCall := cli.Calls[0]
	containerConfig := createCall.Arguments.Get(1).(*container.Config)
	assert.Empty(t, containerConfig.Cmd)
	assert.Contains(t, containerConfig.Env, "FOO=bar")
}

func TestCreateWithEntrypointArguments(t *testing.T) {
	cli := &mockDockerClient{}
	cli.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "agent-2").
		Return(container.CreateResponse{ID: "c2"}, nil)
	cli.On("ContainerStart", mock.Anything, "c2", mock.Anything).Return(nil)
	cli.On("ContainerInspect", mock.Anything, "c2").
		Return(inspectWithPorts("c2", "running", map[int]int{
			ingress.ProxyPort: 49200,
			supervisor.Port:   49201,
		}), nil)

	// Sentinel not there yet, then observed.
	expectExec(t, cli, "e1", "", "", 1)
	expectExec(t, cli, "e2", "", "", 0)

	p := newTestProvider(t, cli, nil)

	sb, err := p.Create(context.Background(), model.CreateSandboxOptions{
		ExternalID:          "agent-2",
		EntrypointArguments: []string{"sleep", "infinity"},
	})
	require.NoError(t, err)
	require.NotNil(t, sb)

	// Entrypoint arguments override the container command, bypassing the
	// default supervisor.
	createCall := cli.Calls[0]
	containerConfig := createCall.Arguments.Get(1).(*container.Config)
	assert.Equal(t, []string{"sleep", "infinity"}, []string(containerConfig.Cmd))
}

func TestDeleteIsIdempotent(t *testing.T) {
	cli := &mockDockerClient{}
	cli.On("ContainerRemove", mock.Anything, "c3", mock.Anything).Return(nil).Once()
	cli.On("ContainerRemove", mock.Anything, "c3", mock.Anything).
		Return(errors.New("Error response from daemon: No such container: c3")).Once()

	p := newTestProvider(t, cli, nil)
	sb, err := p.Sandbox(context.Background(), "agent-3", &model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: "c3"},
	})
	require.NoError(t, err)

	require.NoError(t, sb.Delete(context.Background()))
	require.NoError(t, sb.Delete(context.Background()))
}

func TestStopSwallowsAlreadyStopped(t *testing.T) {
	cli := &mockDockerClient{}
	cli.On("ContainerStop", mock.Anything, "c4", mock.Anything).
		Return(errors.New("Error response from daemon: container c4 is not running"))

	p := newTestProvider(t, cli, nil)
	sb, err := p.Sandbox(context.Background(), "agent-4", &model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: "c4"},
	})
	require.NoError(t, err)

	require.NoError(t, sb.Stop(context.Background()))
}

func TestPortRemapOnRestart(t *testing.T) {
	cli := &mockDockerClient{}
	cli.On("ContainerRestart", mock.Anything, "c5", mock.Anything).Return(nil)
	// After restart the engine hands out fresh host ports.
	cli.On("ContainerInspect", mock.Anything, "c5").
		Return(inspectWithPorts("c5", "running", map[int]int{
			ingress.ProxyPort: 50001,
			supervisor.Port:   50002,
		}), nil)

	p := newTestProvider(t, cli, nil)
	sb, err := p.Sandbox(context.Background(), "agent-5", &model.Metadata{
		Type: model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{
			ContainerID: "c5",
			Ports:       map[int]int{ingress.ProxyPort: 40001, supervisor.Port: 40002},
		},
	})
	require.NoError(t, err)

	// Stale metadata ports are served until the restart invalidates them.
	baseURL, err := sb.BaseURL(context.Background(), ingress.ProxyPort)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:40001", baseURL)

	require.NoError(t, sb.Restart(context.Background()))

	baseURL, err = sb.BaseURL(context.Background(), ingress.ProxyPort)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:50001", baseURL)
}

func TestExecNonZeroExitCarriesStderr(t *testing.T) {
	cli := &mockDockerClient{}
	expectExec(t, cli, "e9", "", "boom: no such file", 2)

	p := newTestProvider(t, cli, nil)
	sb, err := p.Sandbox(context.Background(), "agent-6", &model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: "c6"},
	})
	require.NoError(t, err)

	_, err = sb.Exec(context.Background(), []string{"cat", "/nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 2")
	assert.Contains(t, err.Error(), "boom: no such file")
}

func TestStateNeverErrors(t *testing.T) {
	tests := map[string]struct {
		inspectErr error
		expState   string
	}{
		"Engine failure becomes an error state": {
			inspectErr: errors.New("engine unavailable"),
			expState:   model.StateError,
		},
		"Missing container becomes unknown": {
			inspectErr: errors.New("Error response from daemon: No such container: c7"),
			expState:   model.StateUnknown,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cli := &mockDockerClient{}
			cli.On("ContainerInspect", mock.Anything, "c7").
				Return(container.InspectResponse{}, tt.inspectErr)

			p := newTestProvider(t, cli, nil)
			sb, err := p.Sandbox(context.Background(), "agent-7", &model.Metadata{
				Type:   model.ProviderTypeDocker,
				Docker: &model.DockerMetadata{ContainerID: "c7"},
			})
			require.NoError(t, err)

			state := sb.State(context.Background())
			assert.Equal(t, tt.expState, state.State)
		})
	}
}

func TestFetcherRoutesThroughIngressPort(t *testing.T) {
	received := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	ingressHostPort, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	cli := &mockDockerClient{}

	p := newTestProvider(t, cli, map[string]string{docker.EnvHostAddr: serverURL.Hostname()})
	sb, err := p.Sandbox(context.Background(), "agent-8", &model.Metadata{
		Type: model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{
			ContainerID: "c8",
			Ports:       map[int]int{ingress.ProxyPort: ingressHostPort, supervisor.Port: 50100},
		},
	})
	require.NoError(t, err)

	fetcher, err := sb.Fetcher(context.Background(), 3000)
	require.NoError(t, err)

	resp, err := fetcher.Fetch(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	req := <-received
	assert.Equal(t, "localhost:3000", req.Header.Get(ingress.TargetHostHeader))
	assert.Equal(t, "/x", req.URL.Path)
}
