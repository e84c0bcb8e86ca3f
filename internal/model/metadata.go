package model

import (
	"encoding/json"
	"fmt"
)

// Metadata is the backend-tagged blob a caller must persist after Create so
// a working machine handle can be reconstructed later without the in-process
// object that created it.
//
// Exactly one backend variant is set, matching Type. Each variant keeps the
// backend's native identity key; there is deliberately no canonical
// identifier format across backends.
type Metadata struct {
	Type    ProviderType     `json:"type"`
	Docker  *DockerMetadata  `json:"docker,omitempty"`
	Daytona *DaytonaMetadata `json:"daytona,omitempty"`
	Fly     *FlyMetadata     `json:"fly,omitempty"`
}

// DockerMetadata rehydrates a Docker machine handle.
type DockerMetadata struct {
	// ContainerID is the engine's container reference.
	ContainerID string `json:"containerID"`
	// Ports maps internal service ports to the host ports resolved after the
	// last container start. Host ports are remapped on every (re)start, so
	// these are hints that get re-resolved when stale.
	Ports map[int]int `json:"ports,omitempty"`
	// Image is the image reference the container was created from.
	Image string `json:"image,omitempty"`
}

// DaytonaMetadata rehydrates a Daytona machine handle.
type DaytonaMetadata struct {
	// SandboxID is the backend's opaque sandbox ID (distinct from the
	// caller-facing external ID).
	SandboxID string `json:"sandboxID"`
	// Snapshot is the snapshot the sandbox was created from.
	Snapshot string `json:"snapshot,omitempty"`
}

// FlyMetadata rehydrates a Fly machine handle.
type FlyMetadata struct {
	// MachineID is the machine's ID inside the app named after the external ID.
	MachineID string `json:"machineID"`
	// CPUs overrides the guest CPU count on reconstruction.
	CPUs int `json:"cpus,omitempty"`
	// Snapshot is the image the machine was created from.
	Snapshot string `json:"snapshot,omitempty"`
}

// Validate checks the metadata is well formed: a known type tag with its
// matching variant set and no foreign variants.
func (m *Metadata) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}

	variants := 0
	if m.Docker != nil {
		variants++
	}
	if m.Daytona != nil {
		variants++
	}
	if m.Fly != nil {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("metadata must carry exactly one backend variant, got %d: %w", variants, ErrNotValid)
	}

	ok := false
	switch m.Type {
	case ProviderTypeDocker:
		ok = m.Docker != nil
	case ProviderTypeDaytona:
		ok = m.Daytona != nil
	case ProviderTypeFly:
		ok = m.Fly != nil
	}
	if !ok {
		return fmt.Errorf("metadata variant does not match type %q: %w", m.Type, ErrNotValid)
	}

	return nil
}

// EncodeMetadata serializes metadata to its persisted JSON form.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not marshal metadata: %w", err)
	}

	return data, nil
}

// DecodeMetadata deserializes previously persisted metadata.
func DecodeMetadata(data []byte) (*Metadata, error) {
	m := Metadata{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	return &m, nil
}
