package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stays/native/deal"
	"stays/storage"
)

// Manager persists the registry's durable records in a key-value database.
// It backs the state interfaces of the deal registry, the escrow ledger and
// the role registry. Values are RLP encoded; keys are keccak digests of a
// prefix plus the record coordinates.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	dealPrefix        = []byte("deal:")
	noncePrefix       = []byte("nonce:")
	termLinkPrefix    = []byte("termlink:")
	wardPrefix        = []byte("ward:")
	componentPrefix   = []byte("component:")
	balancePrefix     = []byte("balance:")
	escrowBalPrefix   = []byte("escrowbal:")
	beneficiaryPrefix = []byte("beneficiary:")
	rolePrefix        = []byte("role:")
	linePrefix        = []byte("line:")
	registrarPrefix   = []byte("registrar:")
	vaultPrefix       = []byte("vault:")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode value: %w", err)
	}
	return m.db.Put(key, encoded)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	ok, err := m.db.Has(key)
	if err != nil || !ok {
		return false, err
	}
	raw, err := m.db.Get(key)
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode value: %w", err)
	}
	return true, nil
}

func (m *Manager) has(key []byte) bool {
	ok, err := m.db.Has(key)
	return err == nil && ok
}

// --- deal registry state ---

// storedDeal is the RLP-friendly shape of a persisted stub.
type storedDeal struct {
	ID        [32]byte
	Provider  [20]byte
	StateHash [32]byte
	Step      uint8
	CreatedAt uint64
}

func (m *Manager) DealPut(d *deal.Deal) error {
	if d == nil {
		return fmt.Errorf("state: nil deal")
	}
	stored := storedDeal{
		ID:        d.ID,
		Provider:  d.Provider,
		StateHash: d.StateHash,
		Step:      uint8(d.Step),
		CreatedAt: uint64(d.CreatedAt),
	}
	return m.put(prefixedKey(dealPrefix, d.ID[:]), &stored)
}

func (m *Manager) DealGet(id [32]byte) (*deal.Deal, bool) {
	var stored storedDeal
	ok, err := m.get(prefixedKey(dealPrefix, id[:]), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &deal.Deal{
		ID:        stored.ID,
		Provider:  stored.Provider,
		StateHash: stored.StateHash,
		Step:      deal.Step(stored.Step),
		CreatedAt: int64(stored.CreatedAt),
	}, true
}

func (m *Manager) DealHas(id [32]byte) bool {
	return m.has(prefixedKey(dealPrefix, id[:]))
}

func (m *Manager) NonceIncrement(bidHash [32]byte) (uint64, error) {
	key := prefixedKey(noncePrefix, bidHash[:])
	var current uint64
	if _, err := m.get(key, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.put(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *Manager) Nonce(bidHash [32]byte) uint64 {
	var current uint64
	if _, err := m.get(prefixedKey(noncePrefix, bidHash[:]), &current); err != nil {
		return 0
	}
	return current
}

func (m *Manager) TermLinkPut(dealID [32]byte, impl [20]byte, payload []byte) error {
	return m.put(prefixedKey(termLinkPrefix, dealID[:], impl[:]), payload)
}

func (m *Manager) TermLink(dealID [32]byte, impl [20]byte) ([]byte, bool) {
	var payload []byte
	ok, err := m.get(prefixedKey(termLinkPrefix, dealID[:], impl[:]), &payload)
	if err != nil || !ok {
		return nil, false
	}
	return payload, true
}

func (m *Manager) WardSet(addr [20]byte, enabled bool) error {
	return m.put(prefixedKey(wardPrefix, addr[:]), enabled)
}

func (m *Manager) IsWard(addr [20]byte) bool {
	var enabled bool
	if _, err := m.get(prefixedKey(wardPrefix, addr[:]), &enabled); err != nil {
		return false
	}
	return enabled
}

func (m *Manager) ComponentSet(key string, addr [20]byte) error {
	return m.put(prefixedKey(componentPrefix, []byte(key)), addr)
}

func (m *Manager) Component(key string) ([20]byte, bool) {
	var addr [20]byte
	ok, err := m.get(prefixedKey(componentPrefix, []byte(key)), &addr)
	if err != nil || !ok {
		return [20]byte{}, false
	}
	return addr, true
}

// --- escrow ledger state ---

func (m *Manager) Balance(addr [20]byte, token string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.get(prefixedKey(balancePrefix, []byte(token), addr[:]), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) SetBalance(addr [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: balance must be non-negative")
	}
	return m.put(prefixedKey(balancePrefix, []byte(token), addr[:]), amount)
}

func (m *Manager) EscrowBalance(dealID [32]byte, token string) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.get(prefixedKey(escrowBalPrefix, []byte(token), dealID[:]), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) EscrowCredit(dealID [32]byte, token string, amount *big.Int) error {
	current, err := m.EscrowBalance(dealID, token)
	if err != nil {
		return err
	}
	return m.put(prefixedKey(escrowBalPrefix, []byte(token), dealID[:]), new(big.Int).Add(current, amount))
}

func (m *Manager) EscrowDebit(dealID [32]byte, token string, amount *big.Int) error {
	current, err := m.EscrowBalance(dealID, token)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("state: escrow balance underflow for deal %x", dealID)
	}
	return m.put(prefixedKey(escrowBalPrefix, []byte(token), dealID[:]), new(big.Int).Sub(current, amount))
}

// VaultAddress derives the custody address for a token deterministically from
// its symbol. No value ever moves without a matching balance entry, so the
// vault needs no key material.
func (m *Manager) VaultAddress(token string) ([20]byte, error) {
	if token == "" {
		return [20]byte{}, fmt.Errorf("state: token required for vault derivation")
	}
	digest := ethcrypto.Keccak256(append(append([]byte(nil), vaultPrefix...), token...))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

func (m *Manager) BeneficiaryPut(dealID [32]byte, addr [20]byte) error {
	return m.put(prefixedKey(beneficiaryPrefix, dealID[:]), addr)
}

func (m *Manager) Beneficiary(dealID [32]byte) ([20]byte, bool) {
	var addr [20]byte
	ok, err := m.get(prefixedKey(beneficiaryPrefix, dealID[:]), &addr)
	if err != nil || !ok {
		return [20]byte{}, false
	}
	return addr, true
}

// --- role registry state ---

func (m *Manager) RoleSet(provider [20]byte, role string, addr [20]byte, enabled bool) error {
	return m.put(prefixedKey(rolePrefix, provider[:], []byte(role), addr[:]), enabled)
}

func (m *Manager) RoleHas(provider [20]byte, role string, addr [20]byte) bool {
	var enabled bool
	if _, err := m.get(prefixedKey(rolePrefix, provider[:], []byte(role), addr[:]), &enabled); err != nil {
		return false
	}
	return enabled
}

func (m *Manager) LineSet(line [32]byte, provider [20]byte, enabled bool) error {
	return m.put(prefixedKey(linePrefix, line[:], provider[:]), enabled)
}

func (m *Manager) LineHas(line [32]byte, provider [20]byte) bool {
	var enabled bool
	if _, err := m.get(prefixedKey(linePrefix, line[:], provider[:]), &enabled); err != nil {
		return false
	}
	return enabled
}

func (m *Manager) RegistrarSet(addr [20]byte, enabled bool) error {
	return m.put(prefixedKey(registrarPrefix, addr[:]), enabled)
}

func (m *Manager) IsRegistrar(addr [20]byte) bool {
	var enabled bool
	if _, err := m.get(prefixedKey(registrarPrefix, addr[:]), &enabled); err != nil {
		return false
	}
	return enabled
}
