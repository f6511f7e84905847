package roles

import (
	"encoding/hex"
	"errors"
	"strings"

	"stays/core/events"
	"stays/core/types"
)

var (
	errNilState     = errors.New("roles registry: state not configured")
	ErrUnauthorized = errors.New("roles registry: caller is not a registrar")
	ErrInvalidRole  = errors.New("roles registry: role name required")
)

const (
	EventTypeRoleGranted     = "roles.granted"
	EventTypeRoleRevoked     = "roles.revoked"
	EventTypeProviderAllowed = "roles.provider_allowed"
	EventTypeProviderRemoved = "roles.provider_removed"
)

// registryState is the persistence surface behind the role registry.
type registryState interface {
	RoleSet(provider [20]byte, role string, addr [20]byte, enabled bool) error
	RoleHas(provider [20]byte, role string, addr [20]byte) bool
	LineSet(line [32]byte, provider [20]byte, enabled bool) error
	LineHas(line [32]byte, provider [20]byte) bool
	RegistrarSet(addr [20]byte, enabled bool) error
	IsRegistrar(addr [20]byte) bool
}

// Registry tracks which addresses may act in which role for a provider, and
// which providers are permitted in a line of business. It answers the two
// queries the deal registry consults and nothing else about deals.
type Registry struct {
	st      registryState
	emitter events.Emitter
}

// NewRegistry creates a role registry backed by the provided state. The owner
// becomes the first registrar.
func NewRegistry(st registryState, owner [20]byte) (*Registry, error) {
	if st == nil {
		return nil, errNilState
	}
	if err := st.RegistrarSet(owner, true); err != nil {
		return nil, err
	}
	return &Registry{st: st, emitter: events.NoopEmitter{}}, nil
}

// SetEmitter configures the event emitter used to broadcast registry updates.
// Passing nil resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(roleEvent{evt: evt})
}

// HasRole reports whether the address acts in the given role for the
// provider.
func (r *Registry) HasRole(provider [20]byte, role string, addr [20]byte) bool {
	if r == nil || r.st == nil {
		return false
	}
	return r.st.RoleHas(provider, normalizeRole(role), addr)
}

// IsProviderInLine reports whether the provider is permitted in the line.
func (r *Registry) IsProviderInLine(line [32]byte, provider [20]byte) bool {
	if r == nil || r.st == nil {
		return false
	}
	return r.st.LineHas(line, provider)
}

// GrantRole marks an address as acting in a role for a provider. Registrars
// only.
func (r *Registry) GrantRole(caller, provider [20]byte, role string, addr [20]byte) error {
	return r.setRole(caller, provider, role, addr, true, EventTypeRoleGranted)
}

// RevokeRole removes a role assignment. Registrars only.
func (r *Registry) RevokeRole(caller, provider [20]byte, role string, addr [20]byte) error {
	return r.setRole(caller, provider, role, addr, false, EventTypeRoleRevoked)
}

func (r *Registry) setRole(caller, provider [20]byte, role string, addr [20]byte, enabled bool, eventType string) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if !r.st.IsRegistrar(caller) {
		return ErrUnauthorized
	}
	normalized := normalizeRole(role)
	if normalized == "" {
		return ErrInvalidRole
	}
	if err := r.st.RoleSet(provider, normalized, addr, enabled); err != nil {
		return err
	}
	r.emit(&types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"provider": hex.EncodeToString(provider[:]),
			"role":     normalized,
			"address":  hex.EncodeToString(addr[:]),
		},
	})
	return nil
}

// AllowProvider permits a provider in a line. Registrars only.
func (r *Registry) AllowProvider(caller [20]byte, line [32]byte, provider [20]byte) error {
	return r.setLine(caller, line, provider, true, EventTypeProviderAllowed)
}

// RemoveProvider removes a provider from a line. Registrars only.
func (r *Registry) RemoveProvider(caller [20]byte, line [32]byte, provider [20]byte) error {
	return r.setLine(caller, line, provider, false, EventTypeProviderRemoved)
}

func (r *Registry) setLine(caller [20]byte, line [32]byte, provider [20]byte, enabled bool, eventType string) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if !r.st.IsRegistrar(caller) {
		return ErrUnauthorized
	}
	if err := r.st.LineSet(line, provider, enabled); err != nil {
		return err
	}
	r.emit(&types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"line":     hex.EncodeToString(line[:]),
			"provider": hex.EncodeToString(provider[:]),
		},
	})
	return nil
}

// AddRegistrar grants registrar authority. Registrars only.
func (r *Registry) AddRegistrar(caller, addr [20]byte) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if !r.st.IsRegistrar(caller) {
		return ErrUnauthorized
	}
	return r.st.RegistrarSet(addr, true)
}

func normalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

type roleEvent struct {
	evt *types.Event
}

func (e roleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e roleEvent) Event() *types.Event { return e.evt }
