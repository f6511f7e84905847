package deal

import (
	"encoding/hex"

	"stays/core/types"
)

const (
	EventTypeDealCreated     = "deal.created"
	EventTypeDealStepChanged = "deal.step_changed"
	EventTypeWardGranted     = "deal.ward_granted"
	EventTypeWardRevoked     = "deal.ward_revoked"
	EventTypeComponentSet    = "deal.component_set"
)

// NewCreatedEvent returns the canonical event payload for a newly admitted
// deal.
func NewCreatedEvent(d *Deal) *types.Event {
	if d == nil {
		return nil
	}
	return &types.Event{
		Type: EventTypeDealCreated,
		Attributes: map[string]string{
			"id":       hex.EncodeToString(d.ID[:]),
			"provider": hex.EncodeToString(d.Provider[:]),
		},
	}
}

// NewStepChangedEvent returns the canonical event payload emitted whenever a
// stub's lifecycle step changes, including the uninitialized-to-initial
// transition at admission.
func NewStepChangedEvent(id [32]byte, from, to Step) *types.Event {
	return &types.Event{
		Type: EventTypeDealStepChanged,
		Attributes: map[string]string{
			"id":   hex.EncodeToString(id[:]),
			"from": from.String(),
			"to":   to.String(),
		},
	}
}

func newWardEvent(eventType string, addr [20]byte) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"address": hex.EncodeToString(addr[:]),
		},
	}
}

func newComponentEvent(key string, addr [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeComponentSet,
		Attributes: map[string]string{
			"key":     key,
			"address": hex.EncodeToString(addr[:]),
		},
	}
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }
