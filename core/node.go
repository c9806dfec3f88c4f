package core

import (
	"fmt"
	"math/big"
	"sync"

	"tradeline/core/events"
	"tradeline/core/state"
	"tradeline/native/escrow"
	"tradeline/native/passport"
	"tradeline/observability"
	"tradeline/storage"
)

// Node owns the ledger state and serializes every transition behind a single
// mutex: one operation finalizes completely, including all balance transfers,
// before the next is accepted. Engines are constructed per call against the
// shared state manager, mirroring how each escrow instance shares immutable
// logic while owning independent mutable storage.
type Node struct {
	mu      sync.Mutex
	state   *state.Manager
	emitter events.Emitter
}

// NewNode constructs a node over the supplied database.
func NewNode(db storage.Database) *Node {
	return &Node{
		state:   state.NewManager(db),
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter configures where transition events are published. Passing nil
// resets to a no-op emitter.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if emitter == nil {
		n.emitter = events.NoopEmitter{}
		return
	}
	n.emitter = emitter
}

func (n *Node) newRegistry() *passport.Registry {
	registry := passport.NewRegistry()
	registry.SetState(n.state)
	registry.SetEmitter(n.emitter)
	return registry
}

func (n *Node) newEscrowEngine() *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(n.state)
	engine.SetEmitter(n.emitter)
	engine.SetMinter(n.newRegistry())
	return engine
}

func (n *Node) newFactory() *escrow.Factory {
	factory := escrow.NewFactory()
	factory.SetState(n.state)
	factory.SetEmitter(n.emitter)
	return factory
}

func record(op string, err error) error {
	observability.EscrowMetrics().ObserveTransition(op, err)
	return err
}

// SetupPassport seeds the certificate registry owner with the deployer
// identity and performs the one-shot handoff of minting authority to the
// escrow factory. It must run before any escrow reaches completion and is
// idempotent across restarts.
func (n *Node) SetupPassport(deployer [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	registry := n.newRegistry()
	owner, ok, err := registry.Owner()
	if err != nil {
		return err
	}
	factoryAddr := escrow.FactoryAddress()
	if ok {
		if owner == factoryAddr {
			return nil
		}
		return fmt.Errorf("passport: minting authority held by unexpected owner")
	}
	if err := registry.InitializeOwner(deployer); err != nil {
		return err
	}
	return registry.TransferOwnership(deployer, factoryAddr)
}

// EscrowCreate validates the order terms and instantiates a new escrow.
func (n *Node) EscrowCreate(terms *escrow.Terms) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	esc, err := n.newFactory().CreateEscrow(terms)
	if recErr := record("create", err); recErr != nil {
		return nil, recErr
	}
	return esc, nil
}

// EscrowAccept records the seller's acceptance.
func (n *Node) EscrowAccept(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("accept", n.newEscrowEngine().Accept(id, caller))
}

// EscrowCancel terminates a created offer before acceptance.
func (n *Node) EscrowCancel(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("cancel", n.newEscrowEngine().Cancel(id, caller))
}

// EscrowDeposit funds the escrow and starts production.
func (n *Node) EscrowDeposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("deposit", n.newEscrowEngine().Deposit(id, caller, amount))
}

// EscrowFinishProduction marks production complete.
func (n *Node) EscrowFinishProduction(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("finish_production", n.newEscrowEngine().FinishProduction(id, caller))
}

// EscrowAddProductionLog appends a production evidence reference.
func (n *Node) EscrowAddProductionLog(id [32]byte, caller [20]byte, ref string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("production_log", n.newEscrowEngine().AddProductionLog(id, caller, ref))
}

// EscrowMarkShipped records carrier details and the final log batch.
func (n *Node) EscrowMarkShipped(id [32]byte, caller [20]byte, provider, tracking, shippingRef string, logBatch []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("mark_shipped", n.newEscrowEngine().MarkShipped(id, caller, provider, tracking, shippingRef, logBatch))
}

// EscrowConfirmDelivery records the buyer's delivery attestation.
func (n *Node) EscrowConfirmDelivery(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("confirm_delivery", n.newEscrowEngine().ConfirmDelivery(id, caller))
}

// EscrowComplete closes out a delivered order on the buyer's initiative.
func (n *Node) EscrowComplete(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("complete", n.newEscrowEngine().Complete(id, caller))
}

// EscrowClaimFinalPayment is the seller's post-inspection-window claim.
func (n *Node) EscrowClaimFinalPayment(id [32]byte, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("claim_final", n.newEscrowEngine().ClaimFinalPayment(id, caller))
}

// EscrowRaiseDispute freezes an in-progress escrow pending arbitration.
func (n *Node) EscrowRaiseDispute(id [32]byte, caller [20]byte, reasonRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("raise_dispute", n.newEscrowEngine().RaiseDispute(id, caller, reasonRef))
}

// EscrowResolveDispute settles a frozen escrow by arbitrator judgment.
func (n *Node) EscrowResolveDispute(id [32]byte, caller [20]byte, releaseToSeller bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return record("resolve_dispute", n.newEscrowEngine().ResolveDispute(id, caller, releaseToSeller))
}

// EscrowGet returns a copy of the escrow record.
func (n *Node) EscrowGet(id [32]byte) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newFactory().Get(id)
}

// EscrowList returns every instance identifier in creation order.
func (n *Node) EscrowList() ([][32]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newFactory().GetAllEscrows()
}

// EscrowListDisputed returns all currently frozen escrows for the arbitration
// view. Read-only.
func (n *Node) EscrowListDisputed() ([]*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids, err := n.state.EscrowRegistryList()
	if err != nil {
		return nil, err
	}
	var disputed []*escrow.Escrow
	for _, id := range ids {
		esc, ok := n.state.EscrowGet(id)
		if !ok {
			continue
		}
		if esc.Status == escrow.StatusDisputed {
			disputed = append(disputed, esc)
		}
	}
	return disputed, nil
}

// EscrowRemaining returns the amount still held in custody for an instance.
func (n *Node) EscrowRemaining(id [32]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.state.EscrowGet(id); !ok {
		return nil, escrow.ErrNotFound
	}
	return n.state.EscrowBalance(id)
}

// Balance returns the ledger balance for an address.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if account.Balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(account.Balance), nil
}

// MintBalance credits an account. Deposits are funded externally in
// production; this is the operational faucet used by tooling and tests.
func (n *Node) MintBalance(addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return n.state.PutAccount(addr[:], account)
}

// PassportOwner returns the current holder of minting authority.
func (n *Node) PassportOwner() ([20]byte, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newRegistry().Owner()
}

// PassportBalanceOf returns how many certificates an address holds.
func (n *Node) PassportBalanceOf(addr [20]byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newRegistry().BalanceOf(addr)
}

// PassportToken returns the certificate with the supplied identifier.
func (n *Node) PassportToken(id uint64) (*passport.Token, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newRegistry().Token(id)
}
