package deal

import (
	"fmt"
	"math/big"
	"strings"
)

// Step represents the lifecycle states supported by the deal registry.
type Step uint8

const (
	StepUninitialized Step = iota
	StepInitial
	StepCancelledSupplierGrace
	StepCancelledSupplier
	StepCancelledBuyer
	StepCheckedIn
	StepFulfilled
	StepDisputed
	StepResolvedSupplier
	StepResolvedBuyer
)

// Valid reports whether the step value is within the supported range.
func (s Step) Valid() bool {
	return s <= StepResolvedBuyer
}

func (s Step) String() string {
	switch s {
	case StepUninitialized:
		return "uninitialized"
	case StepInitial:
		return "initial"
	case StepCancelledSupplierGrace:
		return "cancelled_supplier_grace"
	case StepCancelledSupplier:
		return "cancelled_supplier"
	case StepCancelledBuyer:
		return "cancelled_buyer"
	case StepCheckedIn:
		return "checked_in"
	case StepFulfilled:
		return "fulfilled"
	case StepDisputed:
		return "disputed"
	case StepResolvedSupplier:
		return "resolved_supplier"
	case StepResolvedBuyer:
		return "resolved_buyer"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// ParseStep maps the canonical step name back to its value.
func ParseStep(name string) (Step, error) {
	for s := StepUninitialized; s <= StepResolvedBuyer; s++ {
		if s.String() == strings.ToLower(strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return StepUninitialized, fmt.Errorf("unknown step: %q", name)
}

// Role names understood by the authorization oracle, scoped per provider.
const (
	RoleStaff  = "ROLE_STAFF"
	RoleBidder = "ROLE_BIDDER"
	RoleAdmin  = "ROLE_ADMIN"
)

// CallerRole is the classification the registry assigns to an authenticated
// caller before a transition is evaluated.
type CallerRole uint8

const (
	CallerNone CallerRole = iota
	CallerStaff
	CallerBidder
	CallerAdmin
	CallerBuyer
)

func (r CallerRole) String() string {
	switch r {
	case CallerStaff:
		return "staff"
	case CallerBidder:
		return "bidder"
	case CallerAdmin:
		return "admin"
	case CallerBuyer:
		return "buyer"
	default:
		return "none"
	}
}

// TokenCost is one entry of a bid's cost schedule: an amount in the smallest
// unit of the named value token.
type TokenCost struct {
	Token  string
	Amount *big.Int
}

// Term binds a term implementation address to its opaque payload.
type Term struct {
	Impl    [20]byte
	Payload []byte
}

// ItemOption is an optional catalog item a buyer may select at admission,
// priced per value token.
type ItemOption struct {
	Item [32]byte
	Cost []TokenCost
}

// TermOption is an optional term a buyer may select at admission.
type TermOption struct {
	Term Term
	Cost []TokenCost
}

// Bid is a signed, rate-limited offer from a provider. It is immutable once
// signed and identified by its structured digest.
type Bid struct {
	Provider    [20]byte
	ParamsHash  [32]byte
	Items       [][32]byte
	Terms       []Term
	OptionItems []ItemOption
	OptionTerms []TermOption
	// Limit caps successful admissions per bid digest. Zero means no cap.
	Limit  uint64
	Expiry int64
	Cost   []TokenCost
}

// DateTime is the calendar sub-record carried by stay parameters. It hashes
// as a nested struct so a date never collides with a flat word encoding.
type DateTime struct {
	Year   uint64
	Month  uint64
	Day    uint64
	Hour   uint64
	Minute uint64
}

// StayParams binds a generic bid to concrete stay terms. Only its digest is
// persisted; callers resupply the payload on every operation.
type StayParams struct {
	CheckIn  DateTime
	CheckOut DateTime
	Adults   uint64
	Children uint64
}

// State is the full deal state record whose digest is persisted on the stub.
// The cost is already converted to the value token chosen at admission.
type State struct {
	Provider   [20]byte
	ParamsHash [32]byte
	Items      [][32]byte
	Terms      []Term
	Cost       TokenCost
}

// Deal is the persisted stub. Written exactly once; only Step mutates
// afterwards (term links live under their own keys).
type Deal struct {
	ID        [32]byte
	Provider  [20]byte
	StateHash [32]byte
	Step      Step
	CreatedAt int64
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// NormalizeToken canonicalises a value-token symbol: trimmed, upper-cased,
// one to eight letters or digits.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) == 0 || len(trimmed) > 8 {
		return "", fmt.Errorf("unsupported value token: %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("unsupported value token: %q", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeBid validates and normalises a bid definition, returning a copy
// with canonical token casing and non-nil amounts. The original is not
// mutated.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bid")
	}
	clone := *b
	clone.Cost = make([]TokenCost, len(b.Cost))
	for i, c := range b.Cost {
		normalized, err := normalizeCost(c)
		if err != nil {
			return nil, err
		}
		clone.Cost[i] = normalized
	}
	clone.OptionItems = make([]ItemOption, len(b.OptionItems))
	for i, opt := range b.OptionItems {
		costs, err := normalizeCosts(opt.Cost)
		if err != nil {
			return nil, err
		}
		clone.OptionItems[i] = ItemOption{Item: opt.Item, Cost: costs}
	}
	clone.OptionTerms = make([]TermOption, len(b.OptionTerms))
	for i, opt := range b.OptionTerms {
		costs, err := normalizeCosts(opt.Cost)
		if err != nil {
			return nil, err
		}
		clone.OptionTerms[i] = TermOption{Term: opt.Term, Cost: costs}
	}
	if clone.Expiry <= 0 {
		return nil, fmt.Errorf("bid expiry must be set")
	}
	return &clone, nil
}

func normalizeCost(c TokenCost) (TokenCost, error) {
	token, err := NormalizeToken(c.Token)
	if err != nil {
		return TokenCost{}, err
	}
	amount := c.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return TokenCost{}, fmt.Errorf("bid cost must be non-negative")
	}
	// Digest words are 32 bytes; wider amounts cannot be hashed.
	if amount.BitLen() > 256 {
		return TokenCost{}, fmt.Errorf("bid cost exceeds 256 bits")
	}
	return TokenCost{Token: token, Amount: new(big.Int).Set(amount)}, nil
}

func normalizeCosts(costs []TokenCost) ([]TokenCost, error) {
	out := make([]TokenCost, len(costs))
	for i, c := range costs {
		normalized, err := normalizeCost(c)
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}
