package core

import (
	"log/slog"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stays/core/events"
	"stays/core/state"
	"stays/core/types"
	"stays/native/deal"
	"stays/native/escrow"
	"stays/native/roles"
	"stays/observability/metrics"
	"stays/storage"
)

// maxRecentEvents caps the in-memory event window served to read surfaces.
const maxRecentEvents = 1024

// Node wires the deal registry, escrow ledger and role registry over one
// state manager and collects their events for the read surfaces.
type Node struct {
	db     storage.Database
	state  *state.Manager
	deals  *deal.Registry
	ledger *escrow.Ledger
	roles  *roles.Registry
	logger *slog.Logger

	mu     sync.RWMutex
	recent []types.Event
}

// NewNode constructs a fully wired node. The deployer address is warded on
// the deal registry and seeded as the first registrar on the role registry.
func NewNode(db storage.Database, domain deal.Domain, line [32]byte, deployer, treasury [20]byte, feeBps uint32, logger *slog.Logger) (*Node, error) {
	manager := state.NewManager(db)
	ledger := escrow.NewLedger(manager)
	ledger.SetFeeTreasury(treasury)
	roleRegistry, err := roles.NewRegistry(manager, deployer)
	if err != nil {
		return nil, err
	}
	dealRegistry, err := deal.NewRegistry(manager, roleRegistry, ledger, domain, line, deployer)
	if err != nil {
		return nil, err
	}
	if err := dealRegistry.SetFeeBps(feeBps); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	node := &Node{
		db:     db,
		state:  manager,
		deals:  dealRegistry,
		ledger: ledger,
		roles:  roleRegistry,
		logger: logger,
	}
	dealRegistry.SetEmitter(node)
	ledger.SetEmitter(node)
	roleRegistry.SetEmitter(node)
	return node, nil
}

// Deals exposes the deal registry.
func (n *Node) Deals() *deal.Registry { return n.deals }

// Ledger exposes the escrow ledger.
func (n *Node) Ledger() *escrow.Ledger { return n.ledger }

// Roles exposes the role registry.
func (n *Node) Roles() *roles.Registry { return n.roles }

// Emit implements events.Emitter: it records the event in the rolling window,
// feeds the metrics registry and logs it.
func (n *Node) Emit(evt events.Event) {
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok || payload.Event() == nil {
		return
	}
	record := *payload.Event()

	if record.Type == deal.EventTypeDealStepChanged {
		metrics.Deals().ObserveStepChange(record.Attributes["to"])
	}
	n.logger.Info("event emitted", "type", record.Type, "attributes", record.Attributes)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, record)
	if len(n.recent) > maxRecentEvents {
		n.recent = n.recent[len(n.recent)-maxRecentEvents:]
	}
}

// RecentEvents returns a copy of the rolling event window.
func (n *Node) RecentEvents() []types.Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]types.Event(nil), n.recent...)
}

// LineID derives the 32-byte line identifier from its configured name.
func LineID(name string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("line:" + name))
}
