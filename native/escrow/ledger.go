package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"stays/core/events"
	"stays/core/types"
	nativecommon "stays/native/common"
)

const moduleName = "escrow"

var (
	errNilState          = errors.New("escrow ledger: state not configured")
	errNilTreasury       = errors.New("escrow ledger: fee treasury not configured")
	ErrInsufficientFunds = errors.New("escrow ledger: insufficient balance")
	ErrNoBeneficiary     = errors.New("escrow ledger: no beneficiary recorded")
	ErrAlreadySettled    = errors.New("escrow ledger: deal already settled")
)

// ledgerState is the persistence surface behind the ledger: account balances,
// per-deal escrow balances and the beneficiary index.
type ledgerState interface {
	Balance(addr [20]byte, token string) (*big.Int, error)
	SetBalance(addr [20]byte, token string, amount *big.Int) error
	EscrowCredit(dealID [32]byte, token string, amount *big.Int) error
	EscrowDebit(dealID [32]byte, token string, amount *big.Int) error
	EscrowBalance(dealID [32]byte, token string) (*big.Int, error)
	VaultAddress(token string) ([20]byte, error)
	BeneficiaryPut(dealID [32]byte, addr [20]byte) error
	Beneficiary(dealID [32]byte) ([20]byte, bool)
}

// Ledger holds and moves value between accounts and deal escrows. It is the
// source of truth for who currently benefits from a deal identifier.
type Ledger struct {
	st          ledgerState
	emitter     events.Emitter
	feeTreasury [20]byte
	pauses      nativecommon.PauseView
}

// NewLedger creates a ledger with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewLedger(st ledgerState) *Ledger {
	return &Ledger{st: st, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetFeeTreasury configures the address receiving the line-level cut.
func (l *Ledger) SetFeeTreasury(addr [20]byte) { l.feeTreasury = addr }

// SetPauses wires the administrative pause view.
func (l *Ledger) SetPauses(p nativecommon.PauseView) {
	if l == nil {
		return
	}
	l.pauses = p
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(ledgerEvent{evt: evt})
}

// Settle debits the payer for the full amount, locks the net against the deal
// identifier and moves the bps cut to the treasury. It records the payer as
// the deal's beneficiary. A deal settles at most once.
func (l *Ledger) Settle(dealID [32]byte, payer [20]byte, token string, amount *big.Int, feeBps uint32) error {
	if l == nil || l.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow ledger: amount must be positive")
	}
	if feeBps > 10_000 {
		return fmt.Errorf("escrow ledger: fee bps out of range: %d", feeBps)
	}
	if feeBps > 0 && l.feeTreasury == ([20]byte{}) {
		return errNilTreasury
	}
	if _, ok := l.st.Beneficiary(dealID); ok {
		return ErrAlreadySettled
	}
	total := new(big.Int).Set(amount)
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	net := new(big.Int).Sub(total, fee)

	vault, err := l.st.VaultAddress(token)
	if err != nil {
		return err
	}
	if err := l.transfer(payer, vault, token, total); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := l.transfer(vault, l.feeTreasury, token, fee); err != nil {
			return err
		}
	}
	if err := l.st.EscrowCredit(dealID, token, net); err != nil {
		return err
	}
	if err := l.st.BeneficiaryPut(dealID, payer); err != nil {
		return err
	}
	l.emit(newSettledEvent(dealID, payer, token, net, fee))
	return nil
}

// BeneficiaryOf returns the identity that currently benefits from the deal.
func (l *Ledger) BeneficiaryOf(dealID [32]byte) ([20]byte, bool) {
	if l == nil || l.st == nil {
		return [20]byte{}, false
	}
	return l.st.Beneficiary(dealID)
}

// Release pays the locked balance for a deal out to the given recipient.
// Deal-specific policy (who may release, and when) lives with the caller.
func (l *Ledger) Release(dealID [32]byte, token string, to [20]byte) error {
	return l.payout(dealID, token, to, EventTypeEscrowReleased)
}

// Refund returns the locked balance to the recorded beneficiary.
func (l *Ledger) Refund(dealID [32]byte, token string) error {
	if l == nil || l.st == nil {
		return errNilState
	}
	beneficiary, ok := l.st.Beneficiary(dealID)
	if !ok {
		return ErrNoBeneficiary
	}
	return l.payout(dealID, token, beneficiary, EventTypeEscrowRefunded)
}

func (l *Ledger) payout(dealID [32]byte, token string, to [20]byte, eventType string) error {
	if l == nil || l.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	balance, err := l.st.EscrowBalance(dealID, token)
	if err != nil {
		return err
	}
	if balance == nil || balance.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	vault, err := l.st.VaultAddress(token)
	if err != nil {
		return err
	}
	if err := l.transfer(vault, to, token, balance); err != nil {
		return err
	}
	if err := l.st.EscrowDebit(dealID, token, balance); err != nil {
		return err
	}
	l.emit(newPayoutEvent(eventType, dealID, to, token, balance))
	return nil
}

// Balance returns the account balance for an address and token.
func (l *Ledger) Balance(addr [20]byte, token string) (*big.Int, error) {
	if l == nil || l.st == nil {
		return nil, errNilState
	}
	return l.st.Balance(addr, token)
}

// Mint credits an account balance. Used by genesis wiring and tests; a real
// deployment funds accounts through the bank surface instead.
func (l *Ledger) Mint(addr [20]byte, token string, amount *big.Int) error {
	if l == nil || l.st == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow ledger: mint amount must be positive")
	}
	current, err := l.st.Balance(addr, token)
	if err != nil {
		return err
	}
	if current == nil {
		current = big.NewInt(0)
	}
	return l.st.SetBalance(addr, token, new(big.Int).Add(current, amount))
}

func (l *Ledger) transfer(from, to [20]byte, token string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow ledger: negative transfer amount")
	}
	fromBal, err := l.st.Balance(from, token)
	if err != nil {
		return err
	}
	if fromBal == nil {
		fromBal = big.NewInt(0)
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBal, err := l.st.Balance(to, token)
	if err != nil {
		return err
	}
	if toBal == nil {
		toBal = big.NewInt(0)
	}
	if err := l.st.SetBalance(from, token, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.st.SetBalance(to, token, new(big.Int).Add(toBal, amount))
}
