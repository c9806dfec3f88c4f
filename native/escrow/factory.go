package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tradeline/core/events"
	"tradeline/core/types"
)

var errFactoryNilState = errors.New("escrow factory: state not configured")

// factoryState is the persistence surface the factory needs: escrow records
// plus the ordered, append-only registry of every instance ever created.
type factoryState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowRegistryAppend(id [32]byte) error
	EscrowRegistryList() ([][32]byte, error)
	EscrowRegistryLen() (uint64, error)
}

// Factory is the gatekeeper for creating new escrow instances. Instances share
// the transition logic of Engine while owning independent mutable state keyed
// by their identifier.
type Factory struct {
	state   factoryState
	emitter events.Emitter
	nowFn   func() int64
}

// NewFactory constructs a factory with a no-op emitter.
func NewFactory() *Factory {
	return &Factory{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the factory.
func (f *Factory) SetState(state factoryState) { f.state = state }

// SetEmitter configures the event emitter used by the factory.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		f.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	f.nowFn = now
}

func (f *Factory) emit(event *types.Event) {
	if f == nil || f.emitter == nil || event == nil {
		return
	}
	f.emitter.Emit(escrowEvent{evt: event})
}

// instanceID derives a deterministic identifier from the participants, the
// purchase-order reference, and the registry sequence number.
func instanceID(terms *Terms, sequence uint64) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return ethcrypto.Keccak256Hash(terms.Buyer[:], terms.Seller[:], []byte(terms.PORef), seq[:])
}

// CreateEscrow validates the order terms, initialises a new escrow instance in
// the created state, and appends it to the registry. The creation event
// carries the full terms and the new identifier.
func (f *Factory) CreateEscrow(terms *Terms) (*Escrow, error) {
	if f == nil || f.state == nil {
		return nil, errFactoryNilState
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	sequence, err := f.state.EscrowRegistryLen()
	if err != nil {
		return nil, err
	}
	id := instanceID(terms, sequence)
	if _, exists := f.state.EscrowGet(id); exists {
		return nil, fmt.Errorf("%w: identifier collision", ErrInvalidTerms)
	}
	esc := &Escrow{
		ID:               id,
		Buyer:            terms.Buyer,
		Seller:           terms.Seller,
		Arbitrator:       terms.Arbitrator,
		TotalAmount:      new(big.Int).Set(terms.TotalAmount),
		ItemName:         terms.ItemName,
		Quantity:         terms.Quantity,
		DeliveryDuration: terms.DeliveryDuration,
		PORef:            terms.PORef,
		CreatedAt:        f.nowFn(),
		Status:           StatusCreated,
		ReleasedToSeller: big.NewInt(0),
		RefundedToBuyer:  big.NewInt(0),
	}
	if err := f.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := f.state.EscrowRegistryAppend(id); err != nil {
		return nil, err
	}
	f.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// GetAllEscrows returns the ordered sequence of every instance identifier ever
// created. Read-only.
func (f *Factory) GetAllEscrows() ([][32]byte, error) {
	if f == nil || f.state == nil {
		return nil, errFactoryNilState
	}
	return f.state.EscrowRegistryList()
}

// Get returns a copy of the escrow with the supplied identifier.
func (f *Factory) Get(id [32]byte) (*Escrow, error) {
	if f == nil || f.state == nil {
		return nil, errFactoryNilState
	}
	esc, ok := f.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}
