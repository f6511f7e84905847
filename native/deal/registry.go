package deal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stays/core/events"
	"stays/core/types"
	"stays/crypto"
	nativecommon "stays/native/common"
)

const moduleName = "deal"

var (
	errNilState         = errors.New("deal registry: state not configured")
	errNilOracle        = errors.New("deal registry: authorization oracle not configured")
	errNilLedger        = errors.New("deal registry: escrow ledger not configured")
	ErrInvalidProvider  = errors.New("deal registry: provider not permitted in line")
	ErrParamsMismatch   = errors.New("deal registry: stay parameter digest mismatch")
	ErrInvalidBidder    = errors.New("deal registry: signature does not recover a bidder of the provider")
	ErrLimitExceeded    = errors.New("deal registry: bid limit exceeded")
	ErrBidExpired       = errors.New("deal registry: bid expired")
	ErrTokenNotQuoted   = errors.New("deal registry: value token not quoted by bid")
	ErrOptionOutOfRange = errors.New("deal registry: selected option out of range")
	ErrDealExists       = errors.New("deal registry: stub identifier already exists")
	ErrDealNotFound     = errors.New("deal registry: deal not found")
	ErrInvalidCaller    = errors.New("deal registry: invalid caller")
	ErrUntrustedOrigin  = errors.New("deal registry: contract origin lacks administrative authorization")
	ErrStateMismatch    = errors.New("deal registry: state record digest mismatch")
	ErrSameStep         = errors.New("deal registry: target step equals current step")
	ErrStepNotAllowed   = errors.New("deal registry: transition not allowed")
	ErrRoleNotEligible  = errors.New("deal registry: caller role not eligible for target step")
	ErrNotDisputed      = errors.New("deal registry: deal is not disputed")
	ErrNotResolution    = errors.New("deal registry: target is not a resolution step")
	ErrUnauthorized     = errors.New("deal registry: caller is not a ward")
)

// registryState is the persistence surface the registry mutates. The registry
// exclusively owns stub storage, nonce counters, the ward set and component
// bindings; everything else is consulted through collaborator interfaces.
type registryState interface {
	DealPut(*Deal) error
	DealGet(id [32]byte) (*Deal, bool)
	DealHas(id [32]byte) bool
	NonceIncrement(bidHash [32]byte) (uint64, error)
	Nonce(bidHash [32]byte) uint64
	TermLinkPut(dealID [32]byte, impl [20]byte, payload []byte) error
	TermLink(dealID [32]byte, impl [20]byte) ([]byte, bool)
	WardSet(addr [20]byte, enabled bool) error
	IsWard(addr [20]byte) bool
	ComponentSet(key string, addr [20]byte) error
	Component(key string) ([20]byte, bool)
}

// AuthOracle answers role and line-membership queries. Injected so tests can
// substitute doubles.
type AuthOracle interface {
	HasRole(provider [20]byte, role string, addr [20]byte) bool
	IsProviderInLine(line [32]byte, provider [20]byte) bool
}

// EscrowLedger is the value-custody collaborator. It is the source of truth
// for who currently benefits from a stub; the registry consults it and never
// duplicates that answer.
type EscrowLedger interface {
	Settle(dealID [32]byte, payer [20]byte, token string, amount *big.Int, feeBps uint32) error
	BeneficiaryOf(dealID [32]byte) ([20]byte, bool)
}

// CallContext carries the execution context a caller-facing surface resolved
// for one operation: the signing caller, the transaction originator and the
// ledger timestamp. Waiting is expressed purely as comparisons against
// ctx.Time, never as scheduled callbacks.
type CallContext struct {
	Caller           [20]byte
	Origin           [20]byte
	OriginIsContract bool
	Time             int64
}

// Registry is the core stateful component: it admits signed bids into stubs
// and runs the transition engine over them. All operations are serialized
// behind one mutex, so each call either fully commits or leaves no partial
// state (the nonce counter is the single documented exception).
type Registry struct {
	mu      sync.Mutex
	st      registryState
	oracle  AuthOracle
	ledger  EscrowLedger
	emitter events.Emitter
	pauses  nativecommon.PauseView
	domain  Domain
	line    [32]byte
	feeBps  uint32
}

// NewRegistry constructs a registry for one line of business. The deployer is
// warded at construction.
func NewRegistry(st registryState, oracle AuthOracle, ledger EscrowLedger, domain Domain, line [32]byte, deployer [20]byte) (*Registry, error) {
	if st == nil {
		return nil, errNilState
	}
	if oracle == nil {
		return nil, errNilOracle
	}
	if ledger == nil {
		return nil, errNilLedger
	}
	r := &Registry{
		st:      st,
		oracle:  oracle,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		domain:  domain,
		line:    line,
	}
	if err := st.WardSet(deployer, true); err != nil {
		return nil, err
	}
	return r, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses wires the administrative pause view.
func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// SetFeeBps configures the line-level cut applied when escrow is settled.
func (r *Registry) SetFeeBps(bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("deal registry: fee bps out of range: %d", bps)
	}
	r.feeBps = bps
	return nil
}

// Domain returns the signing domain fixed at construction.
func (r *Registry) Domain() Domain { return r.domain }

// Line returns the line identifier this registry is scoped to.
func (r *Registry) Line() [32]byte { return r.line }

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(dealEvent{evt: evt})
}

// DeriveDealID computes the stub identifier for an admission. It depends on
// call context (ledger time and caller), not purely on bid content, so
// identifiers are unpredictable before submission. Deliberate; do not switch
// to a content-only derivation.
func DeriveDealID(line [32]byte, bidHash [32]byte, nonce uint64, at int64, caller [20]byte) [32]byte {
	var nonceBuf, timeBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	binary.BigEndian.PutUint64(timeBuf[:], uint64(at))
	return ethcrypto.Keccak256Hash(line[:], bidHash[:], nonceBuf[:], timeBuf[:], caller[:])
}

// Admit runs the admission protocol: it validates the bid and its proofs,
// burns a nonce, settles escrow and persists a new stub at the derived
// identifier. Every failure is terminal for the call; no stub state is
// committed on any failed precondition (the nonce increment alone survives a
// post-increment failure, so limit accounting stays monotonic).
func (r *Registry) Admit(ctx CallContext, valueToken string, bid *Bid, params StayParams, itemSel, termSel []int, sigs [][]byte) ([32]byte, [32]byte, error) {
	var zero [32]byte
	if r == nil || r.st == nil {
		return zero, zero, errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return zero, zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := NormalizeToken(valueToken)
	if err != nil {
		return zero, zero, err
	}
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		return zero, zero, err
	}
	if !r.oracle.IsProviderInLine(r.line, sanitized.Provider) {
		return zero, zero, ErrInvalidProvider
	}
	if HashStayParams(params) != sanitized.ParamsHash {
		return zero, zero, ErrParamsMismatch
	}
	bidHash := HashBid(sanitized)
	signer, err := r.recoverSigner(bidHash, sigs)
	if err != nil {
		return zero, zero, err
	}
	if !r.oracle.HasRole(sanitized.Provider, RoleBidder, signer) {
		return zero, zero, ErrInvalidBidder
	}
	// The counter advances on every attempt, successful or not. A caller
	// racing for the last slot and losing burns its nonce.
	nonce, err := r.st.NonceIncrement(bidHash)
	if err != nil {
		return zero, zero, err
	}
	if sanitized.Limit > 0 && nonce > sanitized.Limit {
		return zero, zero, ErrLimitExceeded
	}
	if ctx.Time > sanitized.Expiry {
		return zero, zero, ErrBidExpired
	}
	dealID := DeriveDealID(r.line, bidHash, nonce, ctx.Time, ctx.Caller)

	state, total, err := buildState(sanitized, token, itemSel, termSel)
	if err != nil {
		return zero, zero, err
	}
	// A prior record at the derived identifier signals a broken derivation
	// assumption, not a routine conflict. Must run before escrow moves value.
	if r.st.DealHas(dealID) {
		return zero, zero, ErrDealExists
	}
	if err := r.ledger.Settle(dealID, ctx.Caller, token, total, r.feeBps); err != nil {
		return zero, zero, err
	}
	stateHash := HashState(state)
	stub := &Deal{
		ID:        dealID,
		Provider:  sanitized.Provider,
		StateHash: stateHash,
		Step:      StepInitial,
		CreatedAt: ctx.Time,
	}
	if err := r.st.DealPut(stub); err != nil {
		return zero, zero, err
	}
	for _, term := range state.Terms {
		if err := r.st.TermLinkPut(dealID, term.Impl, term.Payload); err != nil {
			return zero, zero, err
		}
	}
	r.emit(NewCreatedEvent(stub))
	r.emit(NewStepChangedEvent(dealID, StepUninitialized, StepInitial))
	return dealID, stateHash, nil
}

// buildState assembles the full deal state record from the bid and the
// selected options. Options merge in selection order, and cost accumulation
// is exact in the chosen token's smallest unit.
func buildState(bid *Bid, token string, itemSel, termSel []int) (*State, *big.Int, error) {
	total, err := costFor(bid.Cost, token)
	if err != nil {
		return nil, nil, err
	}
	items := append([][32]byte(nil), bid.Items...)
	terms := make([]Term, len(bid.Terms))
	copy(terms, bid.Terms)
	for _, idx := range itemSel {
		if idx < 0 || idx >= len(bid.OptionItems) {
			return nil, nil, ErrOptionOutOfRange
		}
		opt := bid.OptionItems[idx]
		extra, err := costFor(opt.Cost, token)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, opt.Item)
		total = new(big.Int).Add(total, extra)
	}
	for _, idx := range termSel {
		if idx < 0 || idx >= len(bid.OptionTerms) {
			return nil, nil, ErrOptionOutOfRange
		}
		opt := bid.OptionTerms[idx]
		extra, err := costFor(opt.Cost, token)
		if err != nil {
			return nil, nil, err
		}
		terms = append(terms, opt.Term)
		total = new(big.Int).Add(total, extra)
	}
	state := &State{
		Provider:   bid.Provider,
		ParamsHash: bid.ParamsHash,
		Items:      items,
		Terms:      terms,
		Cost:       TokenCost{Token: token, Amount: new(big.Int).Set(total)},
	}
	return state, total, nil
}

func costFor(costs []TokenCost, token string) (*big.Int, error) {
	for _, c := range costs {
		if c.Token == token {
			return new(big.Int).Set(c.Amount), nil
		}
	}
	return nil, ErrTokenNotQuoted
}

// Advance moves a stub one legal step forward. The caller proves knowledge of
// the true current state by resupplying the full state record, authenticates
// with a signature over its domain-separated digest, and must classify into a
// role eligible for the target step.
func (r *Registry) Advance(ctx CallContext, dealID [32]byte, target Step, state *State, params StayParams, sigs [][]byte) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stub, ok := r.st.DealGet(dealID)
	if !ok {
		return ErrDealNotFound
	}
	stateHash := HashState(state)
	signer, err := r.recoverSigner(stateHash, sigs)
	if err != nil {
		return err
	}
	role := r.classify(dealID, stub.Provider, signer)
	if role == CallerNone {
		return ErrInvalidCaller
	}
	if ctx.OriginIsContract && !r.st.IsWard(ctx.Origin) {
		return ErrUntrustedOrigin
	}
	if stateHash != stub.StateHash {
		return ErrStateMismatch
	}
	if HashStayParams(params) != state.ParamsHash {
		return ErrParamsMismatch
	}
	if target == stub.Step {
		return ErrSameStep
	}
	if !CanStep(stub.Step, target) {
		return ErrStepNotAllowed
	}
	if !roleEligible(target, role) {
		return ErrRoleNotEligible
	}
	from := stub.Step
	stub.Step = target
	if err := r.st.DealPut(stub); err != nil {
		return err
	}
	r.emit(NewStepChangedEvent(dealID, from, target))
	return nil
}

// classify resolves the caller's role in a fixed priority order: staff of the
// provider, then bidder, then admin; failing those, the escrow beneficiary of
// the stub classifies as buyer.
func (r *Registry) classify(dealID [32]byte, provider [20]byte, caller [20]byte) CallerRole {
	switch {
	case r.oracle.HasRole(provider, RoleStaff, caller):
		return CallerStaff
	case r.oracle.HasRole(provider, RoleBidder, caller):
		return CallerBidder
	case r.oracle.HasRole(provider, RoleAdmin, caller):
		return CallerAdmin
	}
	if beneficiary, ok := r.ledger.BeneficiaryOf(dealID); ok && beneficiary == caller {
		return CallerBuyer
	}
	return CallerNone
}

// Resolve is the arbitration override: the only path out of a dispute,
// restricted to wards. No offer-party signature is required.
func (r *Registry) Resolve(caller [20]byte, dealID [32]byte, target Step) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.st.IsWard(caller) {
		return ErrUnauthorized
	}
	stub, ok := r.st.DealGet(dealID)
	if !ok {
		return ErrDealNotFound
	}
	if stub.Step != StepDisputed {
		return ErrNotDisputed
	}
	if target != StepResolvedSupplier && target != StepResolvedBuyer {
		return ErrNotResolution
	}
	from := stub.Step
	stub.Step = target
	if err := r.st.DealPut(stub); err != nil {
		return err
	}
	r.emit(NewStepChangedEvent(dealID, from, target))
	return nil
}

// Get returns a copy of the persisted stub.
func (r *Registry) Get(dealID [32]byte) (*Deal, bool) {
	if r == nil || r.st == nil {
		return nil, false
	}
	stub, ok := r.st.DealGet(dealID)
	if !ok {
		return nil, false
	}
	return stub.Clone(), true
}

// TermLink returns the payload linked to a term implementation for a stub.
func (r *Registry) TermLink(dealID [32]byte, impl [20]byte) ([]byte, bool) {
	if r == nil || r.st == nil {
		return nil, false
	}
	return r.st.TermLink(dealID, impl)
}

// Nonce reports the current counter for a bid digest.
func (r *Registry) Nonce(bidHash [32]byte) uint64 {
	if r == nil || r.st == nil {
		return 0
	}
	return r.st.Nonce(bidHash)
}

// Grant adds an address to the ward set. Wards only.
func (r *Registry) Grant(caller, addr [20]byte) error {
	return r.setWard(caller, addr, true, EventTypeWardGranted)
}

// Revoke removes an address from the ward set. Wards only.
func (r *Registry) Revoke(caller, addr [20]byte) error {
	return r.setWard(caller, addr, false, EventTypeWardRevoked)
}

func (r *Registry) setWard(caller, addr [20]byte, enabled bool, eventType string) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.st.IsWard(caller) {
		return ErrUnauthorized
	}
	if err := r.st.WardSet(addr, enabled); err != nil {
		return err
	}
	r.emit(newWardEvent(eventType, addr))
	return nil
}

// IsWard reports whether the address holds administrative authorization.
func (r *Registry) IsWard(addr [20]byte) bool {
	if r == nil || r.st == nil {
		return false
	}
	return r.st.IsWard(addr)
}

// SetComponent files a collaborator address under a configuration key. Wards
// only.
func (r *Registry) SetComponent(caller [20]byte, key string, addr [20]byte) error {
	if r == nil || r.st == nil {
		return errNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.st.IsWard(caller) {
		return ErrUnauthorized
	}
	if err := r.st.ComponentSet(key, addr); err != nil {
		return err
	}
	r.emit(newComponentEvent(key, addr))
	return nil
}

// Component returns a filed collaborator address.
func (r *Registry) Component(key string) ([20]byte, bool) {
	if r == nil || r.st == nil {
		return [20]byte{}, false
	}
	return r.st.Component(key)
}

func (r *Registry) recoverSigner(structHash [32]byte, sigs [][]byte) ([20]byte, error) {
	if len(sigs) == 0 {
		return [20]byte{}, crypto.ErrInvalidSignature
	}
	digest := SigningDigest(r.domain, structHash)
	return crypto.RecoverAddress(digest, sigs[0])
}
