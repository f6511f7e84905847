package deal

import (
	"errors"
	"math/big"
	"testing"

	"stays/core/events"
	"stays/core/types"
	"stays/crypto"
)

type mockState struct {
	deals      map[[32]byte]*Deal
	nonces     map[[32]byte]uint64
	termLinks  map[[52]byte][]byte
	wards      map[[20]byte]bool
	components map[string][20]byte
}

func newMockState() *mockState {
	return &mockState{
		deals:      make(map[[32]byte]*Deal),
		nonces:     make(map[[32]byte]uint64),
		termLinks:  make(map[[52]byte][]byte),
		wards:      make(map[[20]byte]bool),
		components: make(map[string][20]byte),
	}
}

func termLinkKey(dealID [32]byte, impl [20]byte) [52]byte {
	var key [52]byte
	copy(key[:32], dealID[:])
	copy(key[32:], impl[:])
	return key
}

func (m *mockState) DealPut(d *Deal) error {
	m.deals[d.ID] = d.Clone()
	return nil
}

func (m *mockState) DealGet(id [32]byte) (*Deal, bool) {
	d, ok := m.deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (m *mockState) DealHas(id [32]byte) bool {
	_, ok := m.deals[id]
	return ok
}

func (m *mockState) NonceIncrement(bidHash [32]byte) (uint64, error) {
	m.nonces[bidHash]++
	return m.nonces[bidHash], nil
}

func (m *mockState) Nonce(bidHash [32]byte) uint64 { return m.nonces[bidHash] }

func (m *mockState) TermLinkPut(dealID [32]byte, impl [20]byte, payload []byte) error {
	m.termLinks[termLinkKey(dealID, impl)] = append([]byte(nil), payload...)
	return nil
}

func (m *mockState) TermLink(dealID [32]byte, impl [20]byte) ([]byte, bool) {
	payload, ok := m.termLinks[termLinkKey(dealID, impl)]
	return payload, ok
}

func (m *mockState) WardSet(addr [20]byte, enabled bool) error {
	m.wards[addr] = enabled
	return nil
}

func (m *mockState) IsWard(addr [20]byte) bool { return m.wards[addr] }

func (m *mockState) ComponentSet(key string, addr [20]byte) error {
	m.components[key] = addr
	return nil
}

func (m *mockState) Component(key string) ([20]byte, bool) {
	addr, ok := m.components[key]
	return addr, ok
}

type roleKey struct {
	provider [20]byte
	role     string
	addr     [20]byte
}

type mockOracle struct {
	roles     map[roleKey]bool
	providers map[[52]byte]bool
}

func newMockOracle() *mockOracle {
	return &mockOracle{
		roles:     make(map[roleKey]bool),
		providers: make(map[[52]byte]bool),
	}
}

func lineKey(line [32]byte, provider [20]byte) [52]byte {
	var key [52]byte
	copy(key[:32], line[:])
	copy(key[32:], provider[:])
	return key
}

func (o *mockOracle) grant(provider [20]byte, role string, addr [20]byte) {
	o.roles[roleKey{provider, role, addr}] = true
}

func (o *mockOracle) allow(line [32]byte, provider [20]byte) {
	o.providers[lineKey(line, provider)] = true
}

func (o *mockOracle) HasRole(provider [20]byte, role string, addr [20]byte) bool {
	return o.roles[roleKey{provider, role, addr}]
}

func (o *mockOracle) IsProviderInLine(line [32]byte, provider [20]byte) bool {
	return o.providers[lineKey(line, provider)]
}

type settlement struct {
	dealID [32]byte
	payer  [20]byte
	token  string
	amount *big.Int
	feeBps uint32
}

type mockLedger struct {
	settlements   []settlement
	beneficiaries map[[32]byte][20]byte
	failSettle    error
}

func newMockLedger() *mockLedger {
	return &mockLedger{beneficiaries: make(map[[32]byte][20]byte)}
}

func (l *mockLedger) Settle(dealID [32]byte, payer [20]byte, token string, amount *big.Int, feeBps uint32) error {
	if l.failSettle != nil {
		return l.failSettle
	}
	l.settlements = append(l.settlements, settlement{dealID, payer, token, new(big.Int).Set(amount), feeBps})
	l.beneficiaries[dealID] = payer
	return nil
}

func (l *mockLedger) BeneficiaryOf(dealID [32]byte) ([20]byte, bool) {
	addr, ok := l.beneficiaries[dealID]
	return addr, ok
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	c.events = append(c.events, payload.Event())
}

type testEnv struct {
	registry *Registry
	state    *mockState
	oracle   *mockOracle
	ledger   *mockLedger
	emitter  *capturingEmitter
	bidder   *crypto.PrivateKey
	buyer    [20]byte
	deployer [20]byte
	line     [32]byte
	domain   Domain
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bidderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate bidder key: %v", err)
	}
	env := &testEnv{
		state:    newMockState(),
		oracle:   newMockOracle(),
		ledger:   newMockLedger(),
		emitter:  &capturingEmitter{},
		bidder:   bidderKey,
		buyer:    newTestAddress(0xB1),
		deployer: newTestAddress(0xD1),
		domain:   testDomain(),
	}
	env.line[0] = 0x77
	registry, err := NewRegistry(env.state, env.oracle, env.ledger, env.domain, env.line, env.deployer)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	registry.SetEmitter(env.emitter)
	env.registry = registry
	return env
}

func (env *testEnv) signedBid(t *testing.T, params StayParams) (*Bid, [][]byte) {
	t.Helper()
	bid := testBid(params)
	env.oracle.allow(env.line, bid.Provider)
	env.oracle.grant(bid.Provider, RoleBidder, env.bidder.PubKey().Address().Raw())
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		t.Fatalf("sanitize bid: %v", err)
	}
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(sanitized)))
	if err != nil {
		t.Fatalf("sign bid: %v", err)
	}
	return bid, [][]byte{sig}
}

func (env *testEnv) admitCtx(at int64) CallContext {
	return CallContext{Caller: env.buyer, Origin: env.buyer, Time: at}
}

func TestAdmitSuccess(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)

	id, stateHash, err := env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, nil, nil, sigs)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	stub, ok := env.registry.Get(id)
	if !ok {
		t.Fatalf("stub not persisted")
	}
	if stub.Step != StepInitial {
		t.Fatalf("expected initial step, got %s", stub.Step)
	}
	if stub.StateHash != stateHash {
		t.Fatalf("returned state hash does not match persisted stub")
	}
	if len(env.ledger.settlements) != 1 {
		t.Fatalf("expected one settlement, got %d", len(env.ledger.settlements))
	}
	if env.ledger.settlements[0].amount.Cmp(big.NewInt(480_00)) != 0 {
		t.Fatalf("unexpected settlement amount: %s", env.ledger.settlements[0].amount)
	}
	if payload, ok := env.registry.TermLink(id, bid.Terms[0].Impl); !ok || string(payload) != "checkin-policy" {
		t.Fatalf("term link not persisted")
	}
	if len(env.emitter.events) != 2 {
		t.Fatalf("expected created and step-changed events, got %d", len(env.emitter.events))
	}
	if env.emitter.events[0].Type != EventTypeDealCreated {
		t.Fatalf("first event should be deal.created, got %s", env.emitter.events[0].Type)
	}
	if env.emitter.events[1].Attributes["from"] != StepUninitialized.String() {
		t.Fatalf("step change should start from the uninitialized sentinel")
	}
}

func TestAdmitLimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)
	bidHash := HashBid(mustSanitize(t, bid))

	if _, _, err := env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, nil, nil, sigs); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, _, err := env.registry.Admit(env.admitCtx(1_800_000_100), "EUR", bid, params, nil, nil, sigs)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	// The counter advances on the failed attempt as well.
	if got := env.registry.Nonce(bidHash); got != 2 {
		t.Fatalf("expected nonce 2 after two attempts, got %d", got)
	}
	if len(env.ledger.settlements) != 1 {
		t.Fatalf("failed admission must not settle escrow")
	}
}

func TestAdmitUncappedBid(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, _ := env.signedBid(t, params)
	bid.Limit = 0
	sanitized := mustSanitize(t, bid)
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(sanitized)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigs := [][]byte{sig}

	// A zero limit places no cap on admissions.
	for i := int64(0); i < 3; i++ {
		if _, _, err := env.registry.Admit(env.admitCtx(1_800_000_000+i), "EUR", bid, params, nil, nil, sigs); err != nil {
			t.Fatalf("admit %d: %v", i+1, err)
		}
	}
	if got := env.registry.Nonce(HashBid(sanitized)); got != 3 {
		t.Fatalf("nonce = %d, want 3", got)
	}
	if len(env.ledger.settlements) != 3 {
		t.Fatalf("expected three settlements, got %d", len(env.ledger.settlements))
	}
}

func TestAdmitNonceAdvancesOnExpiredBid(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)
	bid.Limit = 5
	sanitized := mustSanitize(t, bid)
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(sanitized)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigs = [][]byte{sig}

	_, _, err = env.registry.Admit(env.admitCtx(bid.Expiry+1), "EUR", bid, params, nil, nil, sigs)
	if !errors.Is(err, ErrBidExpired) {
		t.Fatalf("expected expired bid, got %v", err)
	}
	if got := env.registry.Nonce(HashBid(sanitized)); got != 1 {
		t.Fatalf("expired attempt should still burn a nonce, got %d", got)
	}
}

func TestAdmitRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid := testBid(params)
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(mustSanitize(t, bid))))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, _, err = env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, nil, nil, [][]byte{sig})
	if !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected invalid provider, got %v", err)
	}
}

func TestAdmitRejectsParamsMismatch(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)

	mutated := params
	mutated.Adults = 4
	_, _, err := env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, mutated, nil, nil, sigs)
	if !errors.Is(err, ErrParamsMismatch) {
		t.Fatalf("expected params mismatch, got %v", err)
	}
}

func TestAdmitRejectsNonBidderSignature(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, _ := env.signedBid(t, params)

	strangerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := strangerKey.Sign(SigningDigest(env.domain, HashBid(mustSanitize(t, bid))))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, _, err = env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, nil, nil, [][]byte{sig})
	if !errors.Is(err, ErrInvalidBidder) {
		t.Fatalf("expected invalid bidder, got %v", err)
	}
}

func TestAdmitRejectsUnquotedToken(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)

	_, _, err := env.registry.Admit(env.admitCtx(1_800_000_000), "USD", bid, params, nil, nil, sigs)
	if !errors.Is(err, ErrTokenNotQuoted) {
		t.Fatalf("expected unquoted token, got %v", err)
	}
}

func TestAdmitAbortsWhenSettlementFails(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)
	env.ledger.failSettle = errors.New("insufficient balance")

	_, _, err := env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, nil, nil, sigs)
	if err == nil {
		t.Fatalf("expected settlement failure to abort admission")
	}
	if len(env.state.deals) != 0 {
		t.Fatalf("no stub may be persisted when settlement fails")
	}
	if len(env.emitter.events) != 0 {
		t.Fatalf("no events may be emitted when settlement fails")
	}
}

func TestAdmitRejectsExistingStub(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid, sigs := env.signedBid(t, params)
	bid.Limit = 2
	sanitized := mustSanitize(t, bid)
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(sanitized)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigs = [][]byte{sig}

	// Same caller, same timestamp: the second call derives nonce 2, so force
	// the collision by planting a stub at the identifier the second call will
	// derive.
	at := int64(1_800_000_000)
	collision := DeriveDealID(env.line, HashBid(sanitized), 2, at, env.buyer)
	if err := env.state.DealPut(&Deal{ID: collision, Step: StepInitial}); err != nil {
		t.Fatalf("plant stub: %v", err)
	}
	if _, _, err := env.registry.Admit(env.admitCtx(at), "EUR", bid, params, nil, nil, sigs); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, _, err = env.registry.Admit(env.admitCtx(at), "EUR", bid, params, nil, nil, sigs)
	if !errors.Is(err, ErrDealExists) {
		t.Fatalf("expected existing stub failure, got %v", err)
	}
	if len(env.ledger.settlements) != 1 {
		t.Fatalf("colliding admission must not settle escrow")
	}
}

func TestAdmitMergesSelectedOptionsInOrder(t *testing.T) {
	env := newTestEnv(t)
	params := testParams()
	bid := testBid(params)
	bid.Limit = 3
	var optItem [32]byte
	optItem[0] = 0x55
	var optTermImpl [20]byte
	optTermImpl[0] = 0x66
	bid.OptionItems = []ItemOption{{
		Item: optItem,
		Cost: []TokenCost{{Token: "EUR", Amount: big.NewInt(25_00)}},
	}}
	bid.OptionTerms = []TermOption{{
		Term: Term{Impl: optTermImpl, Payload: []byte("late-checkout")},
		Cost: []TokenCost{{Token: "EUR", Amount: big.NewInt(15_00)}},
	}}
	env.oracle.allow(env.line, bid.Provider)
	env.oracle.grant(bid.Provider, RoleBidder, env.bidder.PubKey().Address().Raw())
	sanitized := mustSanitize(t, bid)
	sig, err := env.bidder.Sign(SigningDigest(env.domain, HashBid(sanitized)))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, _, err := env.registry.Admit(env.admitCtx(1_800_000_000), "EUR", bid, params, []int{0}, []int{0}, [][]byte{sig})
	if err != nil {
		t.Fatalf("admit with options: %v", err)
	}
	// 480.00 base + 25.00 item + 15.00 term, exact in the smallest unit.
	if env.ledger.settlements[0].amount.Cmp(big.NewInt(520_00)) != 0 {
		t.Fatalf("expected exact cost accumulation, got %s", env.ledger.settlements[0].amount)
	}
	if payload, ok := env.registry.TermLink(id, optTermImpl); !ok || string(payload) != "late-checkout" {
		t.Fatalf("selected term option link missing")
	}
}

func mustSanitize(t *testing.T, bid *Bid) *Bid {
	t.Helper()
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	return sanitized
}
