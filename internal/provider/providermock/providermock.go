// Package providermock contains testify mocks for the provider interfaces.
package providermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/iterate-ops/machines/internal/model"
	"github.com/iterate-ops/machines/internal/provider"
	"github.com/iterate-ops/machines/internal/provider/ingress"
)

// MockProvider is a mock implementation of provider.Provider.
type MockProvider struct {
	mock.Mock
}

var _ provider.Provider = (*MockProvider)(nil)

func (m *MockProvider) Type() model.ProviderType {
	args := m.Called()
	return args.Get(0).(model.ProviderType)
}

func (m *MockProvider) Create(ctx context.Context, opts model.CreateSandboxOptions) (provider.Sandbox, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(provider.Sandbox), args.Error(1)
}

func (m *MockProvider) Sandbox(ctx context.Context, externalID string, metadata *model.Metadata) (provider.Sandbox, error) {
	args := m.Called(ctx, externalID, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(provider.Sandbox), args.Error(1)
}

func (m *MockProvider) ListSandboxes(ctx context.Context) ([]model.SandboxInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SandboxInfo), args.Error(1)
}

func (m *MockProvider) ListSnapshots(ctx context.Context) ([]model.SnapshotInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SnapshotInfo), args.Error(1)
}

// MockSandbox is a mock implementation of provider.Sandbox.
type MockSandbox struct {
	mock.Mock
}

var _ provider.Sandbox = (*MockSandbox)(nil)

func (m *MockSandbox) ExternalID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSandbox) Type() model.ProviderType {
	args := m.Called()
	return args.Get(0).(model.ProviderType)
}

func (m *MockSandbox) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSandbox) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSandbox) Restart(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSandbox) Archive(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSandbox) Delete(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSandbox) Exec(ctx context.Context, command []string) (*model.ExecResult, error) {
	args := m.Called(ctx, command)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExecResult), args.Error(1)
}

func (m *MockSandbox) State(ctx context.Context) model.ProviderState {
	args := m.Called(ctx)
	return args.Get(0).(model.ProviderState)
}

func (m *MockSandbox) BaseURL(ctx context.Context, port int) (string, error) {
	args := m.Called(ctx, port)
	return args.String(0), args.Error(1)
}

func (m *MockSandbox) Fetcher(ctx context.Context, port int) (*ingress.Fetcher, error) {
	args := m.Called(ctx, port)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingress.Fetcher), args.Error(1)
}

func (m *MockSandbox) Metadata(ctx context.Context) (*model.Metadata, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Metadata), args.Error(1)
}
