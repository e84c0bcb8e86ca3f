package fly

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/iterate-ops/machines/internal/log"
	"github.com/iterate-ops/machines/internal/model"
)

// Shared egress gives every sandbox on a private network a stable public
// exit IP: one egress VM per network terminates a WireGuard tunnel, and
// each sandbox attaches as a peer keyed by its caller-assigned tunnel IP.
// IP allocation is the caller's job; attaching only registers the peer.

const (
	// EnvEgressImage is the image the per-network egress VM runs.
	EnvEgressImage = "FLY_EGRESS_IMAGE"

	egressAppPrefix = "egress-"
	egressPort      = 51820

	wgInterface = "wg0"
)

// KeyPair is a WireGuard key pair, base64 encoded.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair generates a fresh curve25519 key pair in WireGuard's
// clamped form.
func GenerateKeyPair() (*KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("could not generate private key: %w", err)
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("could not derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(private),
		PublicKey:  base64.StdEncoding.EncodeToString(public),
	}, nil
}

// EgressPeer is the result of attaching one sandbox to a network's egress
// VM: the rendered WireGuard client configuration plus the key material the
// caller may want to persist.
type EgressPeer struct {
	ClientConfig    string
	ClientPublicKey string
	ServerPublicKey string
}

// EgressConfig is the configuration for the egress manager.
type EgressConfig struct {
	Provider *Provider
	Logger   log.Logger
}

func (c *EgressConfig) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required: %w", model.ErrNotValid)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provider.FlyEgress"})
	return nil
}

// Egress manages the per-network egress VMs and sandbox attachments.
type Egress struct {
	provider *Provider
	logger   log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEgress creates a new egress manager on top of a Fly provider.
func NewEgress(cfg EgressConfig) (*Egress, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Egress{
		provider: cfg.Provider,
		logger:   cfg.Logger,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// networkLock serializes egress VM provisioning per network. Attaching
// different sandboxes to an existing egress VM does not take this lock.
func (e *Egress) networkLock(network string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[network]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[network] = lock
	}
	return lock
}

func egressAppName(network string) string {
	return egressAppPrefix + network
}

// EnsureEgressMachine makes sure the network's egress VM exists and is
// started, creating it on first use.
func (e *Egress) EnsureEgressMachine(ctx context.Context, network string) (*Sandbox, error) {
	if network == "" {
		return nil, fmt.Errorf("network is required: %w", model.ErrNotValid)
	}

	appName := egressAppName(network)
	if err := model.ValidateExternalID(model.ProviderTypeFly, appName); err != nil {
		return nil, err
	}

	lock := e.networkLock(network)
	lock.Lock()
	defer lock.Unlock()

	p := e.provider

	sb := p.newSandbox(appName, "", "", "")
	if _, err := sb.id(ctx); err == nil {
		return sb, nil
	}

	image := p.egressImage
	if image == "" {
		return nil, fmt.Errorf("an egress image is required (%s): %w", EnvEgressImage, model.ErrNotValid)
	}

	if err := p.ensureApp(ctx, appName); err != nil {
		return nil, err
	}
	if err := p.ensureSharedIPv4(ctx, appName); err != nil {
		return nil, err
	}

	e.logger.Infof("Creating egress machine for network %s", network)
	machine, err := p.client.CreateMachine(ctx, appName, createMachineRequest{
		Name:   appName,
		Region: p.region,
		Config: machineConfig{
			Image: image,
			Guest: &machineGuest{
				CPUKind:  defaultCPUKind,
				CPUs:     1,
				MemoryMB: 256,
			},
			Services: []machineService{{
				Protocol:     "udp",
				InternalPort: egressPort,
				Ports:        []servicePort{{Port: egressPort, Handlers: []string{}}},
			}},
			Restart: &machineRestart{Policy: "always"},
		},
	})
	if err != nil {
		return nil, err
	}

	sb = p.newSandbox(appName, machine.ID, machine.InstanceID, image)
	if err := sb.waitForState(ctx, stateStarted); err != nil {
		return nil, err
	}

	return sb, nil
}

// AttachSandbox registers one sandbox as a WireGuard peer of its network's
// egress VM and returns the client configuration the sandbox applies.
// Concurrent attaches of different sandboxes are safe: each only touches
// its own peer entry.
func (e *Egress) AttachSandbox(ctx context.Context, network, tunnelIP string) (*EgressPeer, error) {
	if tunnelIP == "" {
		return nil, fmt.Errorf("tunnel IP is required: %w", model.ErrNotValid)
	}

	egressVM, err := e.EnsureEgressMachine(ctx, network)
	if err != nil {
		return nil, err
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	serverKey, err := egressVM.Exec(ctx, []string{"wg", "show", wgInterface, "public-key"})
	if err != nil {
		return nil, fmt.Errorf("could not read egress VM public key: %w", err)
	}
	serverPublicKey := strings.TrimSpace(serverKey.Stdout)

	_, err = egressVM.Exec(ctx, []string{
		"wg", "set", wgInterface,
		"peer", keys.PublicKey,
		"allowed-ips", tunnelIP + "/32",
	})
	if err != nil {
		return nil, fmt.Errorf("could not register peer on egress VM: %w", err)
	}

	e.logger.Infof("Attached peer %s (%s) to egress VM of network %s", tunnelIP, keys.PublicKey, network)

	endpoint := fmt.Sprintf("%s.%s:%d", egressAppName(network), e.provider.baseDomain, egressPort)

	return &EgressPeer{
		ClientConfig:    renderClientConfig(keys.PrivateKey, tunnelIP, serverPublicKey, endpoint),
		ClientPublicKey: keys.PublicKey,
		ServerPublicKey: serverPublicKey,
	}, nil
}

// renderClientConfig renders the WireGuard configuration a sandbox applies
// to route its egress traffic through the shared exit.
func renderClientConfig(privateKey, tunnelIP, serverPublicKey, endpoint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", tunnelIP)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0\n")
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}
