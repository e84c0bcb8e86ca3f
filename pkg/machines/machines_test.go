package machines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/providermock"
	"github.com/iterate-ops/machines/internal/runtime"
	"github.com/iterate-ops/machines/internal/storage"
	"github.com/iterate-ops/machines/internal/storage/memory"
	"github.com/iterate-ops/machines/internal/storage/storagemock"
)

// newTestClient creates a client backed by an in-memory repository and a
// factory that always returns the given provider mock.
func newTestClient(t *testing.T, p provider.Provider) (*Client, storage.Repository) {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	client := &Client{
		repo:   repo,
		env:    map[string]string{},
		logger: log.Noop,
		factory: func(cfg runtime.Config) (provider.Provider, error) {
			return p, nil
		},
	}

	return client, repo
}

func dockerMetadata(containerID string) model.Metadata {
	return model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: containerID, Image: "test-image"},
	}
}

func seedMachine(t *testing.T, repo storage.Repository, externalID string) storage.MachineRecord {
	t.Helper()

	now := time.Now().UTC()
	record := storage.MachineRecord{
		ExternalID: externalID,
		Name:       "Test machine",
		Type:       model.ProviderTypeDocker,
		Metadata:   dockerMetadata("c-" + externalID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, repo.CreateMachine(context.Background(), record))

	return record
}

func TestCreateMachine(t *testing.T) {
	tests := map[string]struct {
		opts   CreateMachineOpts
		seed   bool
		mock   func(p *providermock.MockProvider, sb *providermock.MockSandbox)
		expErr error
	}{
		"Creating a machine should provision it and persist its record.": {
			opts: CreateMachineOpts{
				ExternalID: "create-ok",
				Name:       "Agent one",
				Backend:    BackendDocker,
				EnvVars:    map[string]string{"FOO": "bar"},
			},
			mock: func(p *providermock.MockProvider, sb *providermock.MockSandbox) {
				md := dockerMetadata("c-create-ok")
				p.On("Create", mock.Anything, mock.MatchedBy(func(opts model.CreateSandboxOptions) bool {
					return opts.ExternalID == "create-ok" && opts.EnvVars["FOO"] == "bar"
				})).Once().Return(sb, nil)
				sb.On("Metadata", mock.Anything).Return(&md, nil)
				sb.On("State", mock.Anything).Return(model.ProviderState{State: "running"})
			},
		},

		"An invalid external ID should fail before any backend call.": {
			opts:   CreateMachineOpts{ExternalID: "-bad-", Backend: BackendDocker},
			expErr: ErrNotValid,
		},

		"An unknown backend should fail before any backend call.": {
			opts:   CreateMachineOpts{ExternalID: "create-unknown", Backend: Backend("vsphere")},
			expErr: ErrNotValid,
		},

		"A duplicate external ID should fail with already exists.": {
			opts:   CreateMachineOpts{ExternalID: "create-dup", Backend: BackendDocker},
			seed:   true,
			expErr: ErrAlreadyExists,
		},

		"A backend provisioning failure should propagate.": {
			opts: CreateMachineOpts{ExternalID: "create-boom", Backend: BackendDocker},
			mock: func(p *providermock.MockProvider, sb *providermock.MockSandbox) {
				p.On("Create", mock.Anything, mock.Anything).Once().Return(nil, fmt.Errorf("provisioning timed out: %w", model.ErrTimeout))
			},
			expErr: ErrTimeout,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			p := &providermock.MockProvider{}
			sb := &providermock.MockSandbox{}
			client, repo := newTestClient(t, p)

			if tt.seed {
				seedMachine(t, repo, tt.opts.ExternalID)
			}
			if tt.mock != nil {
				tt.mock(p, sb)
			}

			machine, err := client.CreateMachine(context.Background(), tt.opts)

			if tt.expErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expErr)
				if tt.expErr == ErrNotValid {
					p.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.opts.ExternalID, machine.ExternalID)
			assert.Equal(t, tt.opts.Backend, machine.Backend)
			assert.Equal(t, "running", machine.State)

			record, err := repo.GetMachine(context.Background(), tt.opts.ExternalID)
			require.NoError(t, err)
			assert.Equal(t, dockerMetadata("c-"+tt.opts.ExternalID), record.Metadata)

			p.AssertExpectations(t)
			sb.AssertExpectations(t)
		})
	}
}

func TestCreateMachineGeneratesExternalID(t *testing.T) {
	p := &providermock.MockProvider{}
	sb := &providermock.MockSandbox{}
	client, repo := newTestClient(t, p)

	md := dockerMetadata("c-generated")
	p.On("Create", mock.Anything, mock.MatchedBy(func(opts model.CreateSandboxOptions) bool {
		return strings.HasPrefix(opts.ExternalID, "m-")
	})).Once().Return(sb, nil)
	sb.On("Metadata", mock.Anything).Return(&md, nil)
	sb.On("State", mock.Anything).Return(model.ProviderState{State: "running"})

	machine, err := client.CreateMachine(context.Background(), CreateMachineOpts{Backend: BackendDocker})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(machine.ExternalID, "m-"))
	assert.Equal(t, strings.ToLower(machine.ExternalID), machine.ExternalID)

	_, err = repo.GetMachine(context.Background(), machine.ExternalID)
	assert.NoError(t, err)
}

func TestLifecycleOperations(t *testing.T) {
	tests := map[string]struct {
		method string
		op     func(c *Client, externalID string) error
	}{
		"Start": {method: "Start", op: func(c *Client, id string) error { return c.StartMachine(context.Background(), id) }},
		"Stop":  {method: "Stop", op: func(c *Client, id string) error { return c.StopMachine(context.Background(), id) }},
		"Restart": {method: "Restart", op: func(c *Client, id string) error {
			return c.RestartMachine(context.Background(), id)
		}},
		"Archive": {method: "Archive", op: func(c *Client, id string) error {
			return c.ArchiveMachine(context.Background(), id)
		}},
	}

	for name, tt := range tests {
		t.Run(name+" should reach the backend and bump the record.", func(t *testing.T) {
			externalID := "lifecycle-" + name
			p := &providermock.MockProvider{}
			sb := &providermock.MockSandbox{}
			client, repo := newTestClient(t, p)
			seeded := seedMachine(t, repo, externalID)

			p.On("Sandbox", mock.Anything, externalID, mock.Anything).Once().Return(sb, nil)
			sb.On(tt.method, mock.Anything).Once().Return(nil)

			require.NoError(t, tt.op(client, externalID))

			record, err := repo.GetMachine(context.Background(), externalID)
			require.NoError(t, err)
			assert.True(t, record.UpdatedAt.After(seeded.UpdatedAt) || record.UpdatedAt.Equal(seeded.UpdatedAt))

			p.AssertExpectations(t)
			sb.AssertExpectations(t)
		})

		t.Run(name+" on a missing machine should return not found.", func(t *testing.T) {
			p := &providermock.MockProvider{}
			client, _ := newTestClient(t, p)

			err := tt.op(client, "lifecycle-missing-"+name)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRemoveMachine(t *testing.T) {
	t.Run("Removing a machine should reclaim the backend resource and delete the record.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		sb := &providermock.MockSandbox{}
		client, repo := newTestClient(t, p)
		seedMachine(t, repo, "remove-ok")

		p.On("Sandbox", mock.Anything, "remove-ok", mock.Anything).Once().Return(sb, nil)
		sb.On("Delete", mock.Anything).Once().Return(nil)

		require.NoError(t, client.RemoveMachine(context.Background(), "remove-ok"))

		_, err := repo.GetMachine(context.Background(), "remove-ok")
		assert.ErrorIs(t, err, model.ErrNotFound)

		sb.AssertExpectations(t)
	})

	t.Run("A backend deletion failure should keep the record.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		sb := &providermock.MockSandbox{}
		client, repo := newTestClient(t, p)
		seedMachine(t, repo, "remove-boom")

		p.On("Sandbox", mock.Anything, "remove-boom", mock.Anything).Once().Return(sb, nil)
		sb.On("Delete", mock.Anything).Once().Return(errors.New("backend down"))

		require.Error(t, client.RemoveMachine(context.Background(), "remove-boom"))

		_, err := repo.GetMachine(context.Background(), "remove-boom")
		assert.NoError(t, err)
	})
}

func TestExec(t *testing.T) {
	t.Run("Executing a command should return the captured output.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		sb := &providermock.MockSandbox{}
		client, repo := newTestClient(t, p)
		seedMachine(t, repo, "exec-ok")

		p.On("Sandbox", mock.Anything, "exec-ok", mock.Anything).Once().Return(sb, nil)
		sb.On("Exec", mock.Anything, []string{"echo", "hello"}).Once().
			Return(&model.ExecResult{ExitCode: 0, Stdout: "hello\n"}, nil)

		result, err := client.Exec(context.Background(), "exec-ok", []string{"echo", "hello"})
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "hello\n", result.Output())
	})

	t.Run("An empty command should fail without touching storage or backend.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		client, _ := newTestClient(t, p)

		_, err := client.Exec(context.Background(), "exec-empty", nil)
		assert.ErrorIs(t, err, ErrNotValid)
		p.AssertNotCalled(t, "Sandbox", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestBaseURL(t *testing.T) {
	p := &providermock.MockProvider{}
	sb := &providermock.MockSandbox{}
	client, repo := newTestClient(t, p)
	seedMachine(t, repo, "url-ok")

	p.On("Sandbox", mock.Anything, "url-ok", mock.Anything).Once().Return(sb, nil)
	sb.On("BaseURL", mock.Anything, 3000).Once().Return("http://127.0.0.1:49100", nil)

	url, err := client.BaseURL(context.Background(), "url-ok", 3000)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:49100", url)
}

func TestListMachines(t *testing.T) {
	t.Run("A broken backend should degrade to an error state, not break the listing.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		sbOK := &providermock.MockSandbox{}
		client, repo := newTestClient(t, p)
		seedMachine(t, repo, "list-a")
		seedMachine(t, repo, "list-b")

		p.On("Sandbox", mock.Anything, "list-a", mock.Anything).Once().Return(sbOK, nil)
		sbOK.On("State", mock.Anything).Return(model.ProviderState{State: "running"})
		p.On("Sandbox", mock.Anything, "list-b", mock.Anything).Once().Return(nil, errors.New("backend down"))

		result, err := client.ListMachines(context.Background())
		require.NoError(t, err)
		require.Len(t, result, 2)

		assert.Equal(t, "running", result[0].State)
		assert.Equal(t, "error", result[1].State)
		assert.Contains(t, result[1].ErrorReason, "backend down")
	})
}

func TestListMachinesStorageFailure(t *testing.T) {
	repo := &storagemock.MockRepository{}
	repo.On("ListMachines", mock.Anything).Once().Return(nil, errors.New("database is locked"))

	client := &Client{repo: repo, env: map[string]string{}, logger: log.Noop}

	_, err := client.ListMachines(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	repo.AssertExpectations(t)
}

func TestSnapshots(t *testing.T) {
	t.Run("Listing snapshots should report the backend's catalog.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		client, _ := newTestClient(t, p)

		p.On("ListSnapshots", mock.Anything).Once().Return([]model.SnapshotInfo{
			{ID: "img-1", Name: "base", State: "active"},
		}, nil)

		snapshots, err := client.Snapshots(context.Background(), BackendDocker)
		require.NoError(t, err)
		require.Len(t, snapshots, 1)
		assert.Equal(t, "img-1", snapshots[0].ID)
	})

	t.Run("An unknown backend should fail validation.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		client, _ := newTestClient(t, p)

		_, err := client.Snapshots(context.Background(), Backend("vsphere"))
		assert.ErrorIs(t, err, ErrNotValid)
	})
}

func TestBackendMachines(t *testing.T) {
	p := &providermock.MockProvider{}
	client, _ := newTestClient(t, p)

	p.On("ListSandboxes", mock.Anything).Once().Return([]model.SandboxInfo{
		{ProviderID: "c-1", ExternalID: "agent-1", State: "running", CreatedAt: time.Now().UTC()},
	}, nil)

	result, err := client.BackendMachines(context.Background(), BackendFly)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "agent-1", result[0].ExternalID)
}

func TestErrorMapping(t *testing.T) {
	t.Run("Internal sentinels should surface as public ones with the message preserved.", func(t *testing.T) {
		p := &providermock.MockProvider{}
		sb := &providermock.MockSandbox{}
		client, repo := newTestClient(t, p)
		seedMachine(t, repo, "map-timeout")

		p.On("Sandbox", mock.Anything, "map-timeout", mock.Anything).Once().Return(sb, nil)
		sb.On("Start", mock.Anything).Once().
			Return(fmt.Errorf("machine did not reach started: %w", model.ErrTimeout))

		err := client.StartMachine(context.Background(), "map-timeout")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, model.ErrTimeout)
		assert.Contains(t, err.Error(), "machine did not reach started")
	})
}
