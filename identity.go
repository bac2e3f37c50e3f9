package coffer

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/persist"
)

// DeviceIdentity identifies this device in manifest last-writer stamps.
// The ID is generated once and survives for the lifetime of the install;
// it carries no secret and is never used for authorization.
type DeviceIdentity struct {
	// MachineID is a random UUID generated on first use.
	MachineID string `json:"machine_id"`

	// MachineLabel is a human-readable name, defaulting to the hostname.
	MachineLabel string `json:"machine_label"`

	// CreatedAt marks when the identity was first generated.
	CreatedAt time.Time `json:"created_at"`

	// AppVersion records the library version that wrote the identity file.
	AppVersion string `json:"app_version,omitempty"`
}

// IdentityProvider loads or creates the durable device identity.
type IdentityProvider struct {
	store    persist.Store
	auditLog audit.Logger
	mu       sync.Mutex
	// cached identity; the file never changes outside Reset
	cached *DeviceIdentity
}

// NewIdentityProvider returns a provider backed by the given store.
func NewIdentityProvider(store persist.Store, auditLog audit.Logger) *IdentityProvider {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &IdentityProvider{store: store, auditLog: auditLog}
}

// GetOrCreate returns the device identity, generating and persisting one on
// first use. A corrupt identity file is replaced with a fresh identity
// rather than failing the caller: the stamp is diagnostic, not
// authoritative.
func (p *IdentityProvider) GetOrCreate() (DeviceIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return *p.cached, nil
	}

	data, err := p.store.LoadIdentity()
	if err == nil {
		var identity DeviceIdentity
		if jsonErr := json.Unmarshal(data.Data, &identity); jsonErr == nil && identity.MachineID != "" {
			p.cached = &identity
			return identity, nil
		}
		// fall through and regenerate
	} else if !persist.IsNotFound(err) {
		return DeviceIdentity{}, fmt.Errorf("failed to load device identity: %w", err)
	}

	identity, err := p.generate()
	if err != nil {
		return DeviceIdentity{}, err
	}

	p.cached = &identity
	return identity, nil
}

// Reset discards the current identity and generates a new one. Existing
// manifest stamps keep the old ID; only future writes carry the new one.
func (p *IdentityProvider) Reset() (DeviceIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous := ""
	if p.cached != nil {
		previous = p.cached.MachineID
	}

	identity, err := p.generate()
	if err != nil {
		return DeviceIdentity{}, err
	}

	p.cached = &identity
	_ = p.auditLog.Log("identity_reset", true, map[string]interface{}{
		"machine_id":  identity.MachineID,
		"previous_id": previous,
	})
	return identity, nil
}

func (p *IdentityProvider) generate() (DeviceIdentity, error) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-device"
	}

	identity := DeviceIdentity{
		MachineID:    uuid.NewString(),
		MachineLabel: hostname,
		CreatedAt:    time.Now().UTC(),
		AppVersion:   Version,
	}

	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("failed to marshal device identity: %w", err)
	}

	if err = p.store.SaveIdentity(data); err != nil {
		return DeviceIdentity{}, fmt.Errorf("failed to save device identity: %w", err)
	}

	return identity, nil
}
