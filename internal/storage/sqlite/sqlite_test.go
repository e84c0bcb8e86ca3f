package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/storage"
	"github.com/iterate-ops/machines/internal/storage/sqlite"
)

func newTestRepository(t *testing.T) *sqlite.Repository {
	t.Helper()

	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "machines.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func testRecord(externalID string, providerType model.ProviderType) storage.MachineRecord {
	md := model.Metadata{Type: providerType}
	switch providerType {
	case model.ProviderTypeDocker:
		md.Docker = &model.DockerMetadata{
			ContainerID: "c-" + externalID,
			Ports:       map[int]int{8080: 49153, 9000: 49154},
			Image:       "agent-os:stable",
		}
	case model.ProviderTypeDaytona:
		md.Daytona = &model.DaytonaMetadata{SandboxID: "sbx-" + externalID, Snapshot: "agent-os:stable"}
	case model.ProviderTypeFly:
		md.Fly = &model.FlyMetadata{MachineID: "m-" + externalID, CPUs: 2, Snapshot: "agent-os:stable"}
	}

	return storage.MachineRecord{
		ExternalID: externalID,
		Name:       "Machine " + externalID,
		Type:       providerType,
		Metadata:   md,
		CreatedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	tests := map[string]struct {
		record storage.MachineRecord
	}{
		"Docker metadata survives a round trip":  {record: testRecord("agent-docker", model.ProviderTypeDocker)},
		"Daytona metadata survives a round trip": {record: testRecord("agent-daytona", model.ProviderTypeDaytona)},
		"Fly metadata survives a round trip":     {record: testRecord("agent-fly", model.ProviderTypeFly)},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			repo := newTestRepository(t)
			ctx := context.Background()

			require.NoError(t, repo.CreateMachine(ctx, tt.record))

			got, err := repo.GetMachine(ctx, tt.record.ExternalID)
			require.NoError(t, err)
			assert.Equal(t, tt.record, *got)
		})
	}
}

func TestRepositoryConstraints(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicate create fails with already exists", func(t *testing.T) {
		repo := newTestRepository(t)

		require.NoError(t, repo.CreateMachine(ctx, testRecord("agent-1", model.ProviderTypeDocker)))
		err := repo.CreateMachine(ctx, testRecord("agent-1", model.ProviderTypeDocker))
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrAlreadyExists))
	})

	t.Run("Get of missing record fails with not found", func(t *testing.T) {
		repo := newTestRepository(t)

		_, err := repo.GetMachine(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("Update of missing record fails with not found", func(t *testing.T) {
		repo := newTestRepository(t)

		err := repo.UpdateMachine(ctx, testRecord("agent-1", model.ProviderTypeDocker))
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("Delete of missing record fails with not found", func(t *testing.T) {
		repo := newTestRepository(t)

		err := repo.DeleteMachine(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestRepositoryListAndUpdate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateMachine(ctx, testRecord("agent-b", model.ProviderTypeDocker)))
	require.NoError(t, repo.CreateMachine(ctx, testRecord("agent-a", model.ProviderTypeFly)))

	machines, err := repo.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.Equal(t, "agent-a", machines[0].ExternalID)
	assert.Equal(t, "agent-b", machines[1].ExternalID)

	updated := testRecord("agent-b", model.ProviderTypeDocker)
	updated.Metadata.Docker.ContainerID = "c-replacement"
	updated.UpdatedAt = time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateMachine(ctx, updated))

	got, err := repo.GetMachine(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "c-replacement", got.Metadata.Docker.ContainerID)
	assert.Equal(t, updated.UpdatedAt, got.UpdatedAt)

	require.NoError(t, repo.DeleteMachine(ctx, "agent-a"))
	machines, err = repo.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, machines, 1)
}
