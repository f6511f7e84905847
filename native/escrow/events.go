package escrow

import (
	"encoding/hex"
	"math/big"

	"stays/core/types"
)

const (
	EventTypeEscrowSettled  = "escrow.settled"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
)

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

func newSettledEvent(dealID [32]byte, payer [20]byte, token string, net, fee *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeEscrowSettled,
		Attributes: map[string]string{
			"deal":  hex.EncodeToString(dealID[:]),
			"payer": hex.EncodeToString(payer[:]),
			"token": token,
			"net":   net.String(),
			"fee":   fee.String(),
		},
	}
}

func newPayoutEvent(eventType string, dealID [32]byte, to [20]byte, token string, amount *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"deal":   hex.EncodeToString(dealID[:]),
			"to":     hex.EncodeToString(to[:]),
			"token":  token,
			"amount": amount.String(),
		},
	}
}
