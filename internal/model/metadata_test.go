package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iterate-ops/machines/internal/model"
)

func TestMetadataRoundTrip(t *testing.T) {
	tests := map[string]struct {
		metadata model.Metadata
	}{
		"Docker metadata with resolved ports": {
			metadata: model.Metadata{
				Type: model.ProviderTypeDocker,
				Docker: &model.DockerMetadata{
					ContainerID: "f2f6e34b0a1c",
					Ports:       map[int]int{8080: 49213, 9000: 49214},
					Image:       "ghcr.io/iterate-ops/agent-os:latest",
				},
			},
		},
		"Daytona metadata with resolved sandbox ID": {
			metadata: model.Metadata{
				Type: model.ProviderTypeDaytona,
				Daytona: &model.DaytonaMetadata{
					SandboxID: "b7c1f9e2-0a44-4df0-9a1f-9a8f3b1b2c3d",
					Snapshot:  "agent-os-v12",
				},
			},
		},
		"Fly metadata with machine ID and CPU override": {
			metadata: model.Metadata{
				Type: model.ProviderTypeFly,
				Fly: &model.FlyMetadata{
					MachineID: "9185e02df52398",
					CPUs:      4,
					Snapshot:  "registry.fly.io/agent-os:v12",
				},
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := model.EncodeMetadata(tt.metadata)
			require.NoError(t, err)

			got, err := model.DecodeMetadata(data)
			require.NoError(t, err)

			assert.Equal(t, tt.metadata, *got)
		})
	}
}

func TestMetadataValidate(t *testing.T) {
	tests := map[string]struct {
		metadata model.Metadata
		expErr   bool
	}{
		"Matching type and variant is valid": {
			metadata: model.Metadata{
				Type:    model.ProviderTypeDaytona,
				Daytona: &model.DaytonaMetadata{SandboxID: "abc"},
			},
		},
		"Unknown type tag is invalid": {
			metadata: model.Metadata{
				Type:   model.ProviderType("k8s"),
				Docker: &model.DockerMetadata{ContainerID: "abc"},
			},
			expErr: true,
		},
		"Missing variant is invalid": {
			metadata: model.Metadata{Type: model.ProviderTypeDocker},
			expErr:   true,
		},
		"Mismatched variant is invalid": {
			metadata: model.Metadata{
				Type: model.ProviderTypeDocker,
				Fly:  &model.FlyMetadata{MachineID: "abc"},
			},
			expErr: true,
		},
		"Multiple variants are invalid": {
			metadata: model.Metadata{
				Type:    model.ProviderTypeDocker,
				Docker:  &model.DockerMetadata{ContainerID: "abc"},
				Daytona: &model.DaytonaMetadata{SandboxID: "def"},
			},
			expErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := tt.metadata.Validate()

			if tt.expErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, model.ErrNotValid))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDecodeMetadataInvalidJSON(t *testing.T) {
	_, err := model.DecodeMetadata([]byte(`{"type": "docker", "docker": `))
	require.Error(t, err)
}
