package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tradeline/core/events"
	"tradeline/core/types"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilMinter = errors.New("escrow engine: certificate minter not configured")
)

// engineState is the persistence surface the engine needs: escrow records,
// per-escrow custody balances, and participant accounts.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	EscrowBalance(id [32]byte) (*big.Int, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// CertificateMinter is the slice of the passport registry the engine consumes:
// minting exactly one provenance certificate to the buyer on completion.
type CertificateMinter interface {
	Mint(caller [20]byte, to [20]byte, contentRef string) (uint64, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// moduleAddress derives a deterministic ledger address for a module-owned
// account from its name.
func moduleAddress(name string) [20]byte {
	hash := ethcrypto.Keccak256([]byte(name))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// VaultAddress returns the module account holding all escrowed funds.
func VaultAddress() [20]byte { return moduleAddress("tradeline/escrow/vault") }

// FactoryAddress returns the module address that holds minting authority over
// the passport registry once the one-shot handoff has happened.
func FactoryAddress() [20]byte { return moduleAddress("tradeline/escrow/factory") }

// Engine wires the escrow transition logic with external state, event emission
// and certificate minting. Each transition is caller-authenticated and
// status-guarded; all precondition checks happen before any fund movement.
type Engine struct {
	state   engineState
	emitter events.Emitter
	minter  CertificateMinter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMinter configures the certificate registry used on completion.
func (e *Engine) SetMinter(minter CertificateMinter) { e.minter = minter }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// milestoneAmount computes a basis-point share of the total order value. The
// share rounds down; the final release sweeps whatever remains.
func milestoneAmount(total *big.Int, bps int64) *big.Int {
	amt := new(big.Int).Mul(cloneBigInt(total), big.NewInt(bps))
	return amt.Div(amt, big.NewInt(10_000))
}

// Accept records the seller's acceptance of a created offer. The offer must
// still be within the acceptance window.
func (e *Engine) Accept(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: seller must accept", ErrWrongCaller)
	}
	if esc.Status != StatusCreated {
		return fmt.Errorf("%w: cannot accept in status %s", ErrWrongStatus, esc.Status)
	}
	now := e.now()
	if now > esc.CreatedAt+AcceptWindowSeconds {
		return ErrExpired
	}
	esc.SellerAccepted = true
	esc.Status = StatusAccepted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAcceptedEvent(esc))
	return nil
}

// Cancel terminates a created offer before acceptance. No funds are held yet
// so no transfer happens; the cause (expiry vs. withdrawal) is preserved.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: buyer must cancel", ErrWrongCaller)
	}
	if esc.Status != StatusCreated {
		return fmt.Errorf("%w: cannot cancel in status %s", ErrWrongStatus, esc.Status)
	}
	if e.now() > esc.CreatedAt+AcceptWindowSeconds {
		esc.CancelReason = CancelReasonExpired
	} else {
		esc.CancelReason = CancelReasonWithdrawn
	}
	esc.Status = StatusCancelled
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc))
	return nil
}

// Deposit moves the full order value from the buyer into custody, immediately
// releases the production milestone to the seller, and starts production. The
// attached amount must equal the order total exactly.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, amount *big.Int) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: buyer must deposit", ErrWrongCaller)
	}
	if esc.Status != StatusAccepted {
		return fmt.Errorf("%w: cannot deposit in status %s", ErrWrongStatus, esc.Status)
	}
	if amount == nil || amount.Cmp(esc.TotalAmount) != 0 {
		return fmt.Errorf("%w: deposit must equal total amount", ErrWrongAmount)
	}
	vault := VaultAddress()
	if err := e.transfer(esc.Buyer, vault, esc.TotalAmount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, esc.TotalAmount); err != nil {
		return err
	}
	upfront := milestoneAmount(esc.TotalAmount, DepositReleaseBps)
	if err := e.transfer(vault, esc.Seller, upfront); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(id, upfront); err != nil {
		return err
	}
	esc.ReleasedToSeller = new(big.Int).Add(cloneBigInt(esc.ReleasedToSeller), upfront)
	esc.Status = StatusProduction
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(esc, upfront.String()))
	return nil
}

// FinishProduction marks the seller's production work as complete.
func (e *Engine) FinishProduction(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: seller must finish production", ErrWrongCaller)
	}
	if esc.Status != StatusProduction {
		return fmt.Errorf("%w: cannot finish production in status %s", ErrWrongStatus, esc.Status)
	}
	esc.Status = StatusProductionCompleted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewProductionFinishedEvent(esc))
	return nil
}

// AddProductionLog appends a single evidence reference while production is in
// flight. Bulk finalisation happens at the shipping transition.
func (e *Engine) AddProductionLog(id [32]byte, caller [20]byte, ref string) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: seller owns production logs", ErrWrongCaller)
	}
	if esc.Status != StatusProduction && esc.Status != StatusProductionCompleted {
		return fmt.Errorf("%w: cannot log in status %s", ErrWrongStatus, esc.Status)
	}
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return fmt.Errorf("%w: log reference required", ErrInvalidInput)
	}
	esc.ProductionLogs = append(esc.ProductionLogs, trimmed)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewProductionLogEvent(esc, trimmed))
	return nil
}

// MarkShipped records the carrier details, appends the final production log
// batch, and moves the escrow into the shipped state.
func (e *Engine) MarkShipped(id [32]byte, caller [20]byte, provider, tracking, shippingRef string, logBatch []string) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: seller must ship", ErrWrongCaller)
	}
	if esc.Status != StatusProductionCompleted {
		return fmt.Errorf("%w: cannot ship in status %s", ErrWrongStatus, esc.Status)
	}
	provider = strings.TrimSpace(provider)
	tracking = strings.TrimSpace(tracking)
	shippingRef = strings.TrimSpace(shippingRef)
	if provider == "" {
		return fmt.Errorf("%w: shipping provider required", ErrInvalidInput)
	}
	if tracking == "" {
		return fmt.Errorf("%w: tracking number required", ErrInvalidInput)
	}
	if shippingRef == "" {
		return fmt.Errorf("%w: shipping document reference required", ErrInvalidInput)
	}
	batch := make([]string, 0, len(logBatch))
	for _, ref := range logBatch {
		trimmed := strings.TrimSpace(ref)
		if trimmed == "" {
			return fmt.Errorf("%w: empty production log reference", ErrInvalidInput)
		}
		batch = append(batch, trimmed)
	}
	esc.ShippingProvider = provider
	esc.TrackingNumber = tracking
	esc.ShippingRef = shippingRef
	esc.ProductionLogs = append(esc.ProductionLogs, batch...)
	esc.Shipped = true
	esc.Status = StatusShipped
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewShippedEvent(esc))
	return nil
}

// ConfirmDelivery records the buyer's delivery attestation and releases the
// delivery milestone to the seller.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: buyer must confirm delivery", ErrWrongCaller)
	}
	if esc.Status != StatusShipped {
		return fmt.Errorf("%w: cannot confirm delivery in status %s", ErrWrongStatus, esc.Status)
	}
	release := milestoneAmount(esc.TotalAmount, DeliveryReleaseBps)
	if err := e.transfer(VaultAddress(), esc.Seller, release); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(id, release); err != nil {
		return err
	}
	esc.ReleasedToSeller = new(big.Int).Add(cloneBigInt(esc.ReleasedToSeller), release)
	esc.Delivered = true
	esc.DeliveredAt = e.now()
	esc.Status = StatusDelivered
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(esc, release.String()))
	return nil
}

// Complete lets the buyer close out a delivered order: the remaining balance
// goes to the seller and a provenance certificate is minted to the buyer.
func (e *Engine) Complete(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: buyer must complete", ErrWrongCaller)
	}
	if esc.Status != StatusDelivered {
		return fmt.Errorf("%w: cannot complete in status %s", ErrWrongStatus, esc.Status)
	}
	return e.finalizeRelease(esc)
}

// ClaimFinalPayment is the seller's timeout-triggered right to the final
// release once the inspection window after delivery has elapsed.
func (e *Engine) ClaimFinalPayment(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: seller must claim", ErrWrongCaller)
	}
	if esc.Status != StatusDelivered {
		return fmt.Errorf("%w: cannot claim in status %s", ErrWrongStatus, esc.Status)
	}
	if e.now() < esc.DeliveredAt+InspectionWindowSeconds {
		return ErrTooEarly
	}
	return e.finalizeRelease(esc)
}

// RaiseDispute freezes an in-progress escrow pending arbitration. Only the
// buyer may raise a dispute and only once per instance.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte, reasonRef string) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: buyer must raise dispute", ErrWrongCaller)
	}
	if esc.Disputed {
		return ErrAlreadyDisputed
	}
	switch esc.Status {
	case StatusProduction, StatusProductionCompleted, StatusShipped, StatusDelivered:
	default:
		return fmt.Errorf("%w: cannot dispute in status %s", ErrWrongStatus, esc.Status)
	}
	trimmed := strings.TrimSpace(reasonRef)
	if trimmed == "" {
		return fmt.Errorf("%w: dispute reason reference required", ErrInvalidInput)
	}
	esc.Disputed = true
	esc.DisputeReason = trimmed
	esc.DisputeRaisedBy = caller
	esc.PriorStatus = esc.Status
	esc.Status = StatusDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc))
	return nil
}

// ResolveDispute settles a frozen escrow by arbitrator judgment: either the
// full remaining balance goes to the seller (completing the order and minting
// the certificate) or it is refunded to the buyer.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, releaseToSeller bool) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Arbitrator {
		return fmt.Errorf("%w: arbitrator must resolve", ErrWrongCaller)
	}
	if esc.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot resolve in status %s", ErrWrongStatus, esc.Status)
	}
	if releaseToSeller {
		if err := e.finalizeRelease(esc); err != nil {
			return err
		}
		e.emit(NewResolvedEvent(esc, "release", cloneBigInt(esc.ReleasedToSeller).String()))
		return nil
	}
	remaining, err := e.state.EscrowBalance(esc.ID)
	if err != nil {
		return err
	}
	if err := e.transfer(VaultAddress(), esc.Buyer, remaining); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(esc.ID, remaining); err != nil {
		return err
	}
	esc.RefundedToBuyer = new(big.Int).Add(cloneBigInt(esc.RefundedToBuyer), remaining)
	esc.Status = StatusRefunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(esc, "refund", remaining.String()))
	return nil
}

// finalizeRelease sweeps the remaining custody balance to the seller, marks
// the escrow completed, and mints the buyer's provenance certificate. The mint
// happens before funds move so a mis-configured registry aborts the transition
// with zero effect.
func (e *Engine) finalizeRelease(esc *Escrow) error {
	if e.minter == nil {
		return errNilMinter
	}
	remaining, err := e.state.EscrowBalance(esc.ID)
	if err != nil {
		return err
	}
	tokenID, err := e.minter.Mint(FactoryAddress(), esc.Buyer, esc.PORef)
	if err != nil {
		return err
	}
	if err := e.transfer(VaultAddress(), esc.Seller, remaining); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(esc.ID, remaining); err != nil {
		return err
	}
	esc.ReleasedToSeller = new(big.Int).Add(cloneBigInt(esc.ReleasedToSeller), remaining)
	esc.Completed = true
	esc.CertificateID = tokenID
	esc.Status = StatusCompleted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(esc, remaining.String()))
	return nil
}
