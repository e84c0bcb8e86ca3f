package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/providermock"
	"github.com/iterate-ops/machines/internal/runtime"
)

func mockFactory(p provider.Provider) (runtime.ProviderFactory, *int) {
	builds := 0
	return func(cfg runtime.Config) (provider.Provider, error) {
		builds++
		return p, nil
	}, &builds
}

func TestNewValidation(t *testing.T) {
	tests := map[string]struct {
		cfg runtime.Config
	}{
		"Unknown backend type fails": {
			cfg: runtime.Config{Type: "nomad", ExternalID: "agent-1"},
		},
		"Invalid external ID fails": {
			cfg: runtime.Config{Type: model.ProviderTypeDocker, ExternalID: "Not Valid!"},
		},
		"Metadata for another backend fails": {
			cfg: runtime.Config{
				Type:       model.ProviderTypeDocker,
				ExternalID: "agent-1",
				Metadata: &model.Metadata{
					Type: model.ProviderTypeFly,
					Fly:  &model.FlyMetadata{MachineID: "m-1"},
				},
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := runtime.New(tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrNotValid))
		})
	}
}

func TestSandboxIsLazyAndMemoized(t *testing.T) {
	sb := &providermock.MockSandbox{}
	p := &providermock.MockProvider{}
	p.On("Sandbox", mock.Anything, "agent-1", mock.Anything).Return(sb, nil).Once()

	factory, builds := mockFactory(p)
	m, err := runtime.New(runtime.Config{
		Type:       model.ProviderTypeDocker,
		ExternalID: "agent-1",
		Factory:    factory,
	})
	require.NoError(t, err)

	// Nothing is built until first use.
	assert.Equal(t, 0, *builds)

	got1, err := m.Sandbox(context.Background())
	require.NoError(t, err)
	got2, err := m.Sandbox(context.Background())
	require.NoError(t, err)

	assert.Same(t, sb, got1)
	assert.Same(t, sb, got2)
	assert.Equal(t, 1, *builds)
	p.AssertExpectations(t)
}

func TestSandboxPassesMetadataHints(t *testing.T) {
	md := &model.Metadata{
		Type:    model.ProviderTypeDaytona,
		Daytona: &model.DaytonaMetadata{SandboxID: "sbx-9", Snapshot: "agent-os:v2"},
	}

	sb := &providermock.MockSandbox{}
	p := &providermock.MockProvider{}
	p.On("Sandbox", mock.Anything, "agent-2", md).Return(sb, nil)

	factory, _ := mockFactory(p)
	m, err := runtime.New(runtime.Config{
		Type:       model.ProviderTypeDaytona,
		ExternalID: "agent-2",
		Metadata:   md,
		Factory:    factory,
	})
	require.NoError(t, err)

	_, err = m.Sandbox(context.Background())
	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestCreateReturnsMetadataAndMemoizesSandbox(t *testing.T) {
	md := &model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: "c-1"},
	}

	sb := &providermock.MockSandbox{}
	sb.On("Metadata", mock.Anything).Return(md, nil)

	p := &providermock.MockProvider{}
	p.On("Create", mock.Anything, mock.MatchedBy(func(opts model.CreateSandboxOptions) bool {
		// The handle's identity always wins over whatever the caller set.
		return opts.ExternalID == "agent-3" && opts.Name == "Agent three"
	})).Return(sb, nil).Once()

	factory, _ := mockFactory(p)
	m, err := runtime.New(runtime.Config{
		Type:       model.ProviderTypeDocker,
		ExternalID: "agent-3",
		Factory:    factory,
	})
	require.NoError(t, err)

	got, err := m.Create(context.Background(), model.CreateSandboxOptions{
		ExternalID: "something-else",
		Name:       "Agent three",
	})
	require.NoError(t, err)
	assert.Equal(t, md, got)

	// The created sandbox is reused, no provider.Sandbox round trip.
	resolved, err := m.Sandbox(context.Background())
	require.NoError(t, err)
	assert.Same(t, provider.Sandbox(sb), resolved)
	p.AssertExpectations(t)
}

func TestConcurrentCreatesForSameIdentityAreSerialized(t *testing.T) {
	md := &model.Metadata{
		Type:   model.ProviderTypeDocker,
		Docker: &model.DockerMetadata{ContainerID: "c-1"},
	}

	sb := &providermock.MockSandbox{}
	sb.On("Metadata", mock.Anything).Return(md, nil)

	inFlight := 0
	maxInFlight := 0
	var mu sync.Mutex

	p := &providermock.MockProvider{}
	p.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}).Return(sb, nil)

	factory, _ := mockFactory(p)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m, err := runtime.New(runtime.Config{
				Type:       model.ProviderTypeDocker,
				ExternalID: "agent-serial",
				Factory:    factory,
			})
			require.NoError(t, err)

			_, err = m.Create(context.Background(), model.CreateSandboxOptions{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
}
