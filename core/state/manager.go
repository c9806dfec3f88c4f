// Package state persists ledger records over a generic key-value database
// using RLP codecs. The Manager implements the state interfaces consumed by
// the escrow engine, the escrow factory, and the passport registry.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"tradeline/core/types"
	"tradeline/native/escrow"
	"tradeline/native/passport"
	"tradeline/storage"
)

var (
	escrowRecordPrefix    = []byte("escrow/record/")
	escrowVaultPrefix     = []byte("escrow/vault/")
	escrowRegistryKey     = []byte("escrow/registry")
	accountPrefix         = []byte("account/")
	passportOwnerKey      = []byte("passport/owner")
	passportCountKey      = []byte("passport/count")
	passportTokenPrefix   = []byte("passport/token/")
	passportBalancePrefix = []byte("passport/balance/")
)

// Manager mediates all reads and writes against the backing database.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func prefixed(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

// storedEscrow is the RLP-encodable projection of an escrow record. Signed
// timestamps are persisted as uint64 because RLP has no signed integers.
type storedEscrow struct {
	ID               [32]byte
	Buyer            [20]byte
	Seller           [20]byte
	Arbitrator       [20]byte
	TotalAmount      *big.Int
	ItemName         string
	Quantity         uint64
	DeliveryDuration uint64
	PORef            string
	CreatedAt        uint64
	Status           uint8
	SellerAccepted   bool
	CancelReason     uint8
	Shipped          bool
	ShippingProvider string
	TrackingNumber   string
	ShippingRef      string
	ProductionLogs   []string
	Delivered        bool
	DeliveredAt      uint64
	Disputed         bool
	DisputeReason    string
	DisputeRaisedBy  [20]byte
	PriorStatus      uint8
	Completed        bool
	CertificateID    uint64
	ReleasedToSeller *big.Int
	RefundedToBuyer  *big.Int
}

func toStoredEscrow(e *escrow.Escrow) *storedEscrow {
	return &storedEscrow{
		ID:               e.ID,
		Buyer:            e.Buyer,
		Seller:           e.Seller,
		Arbitrator:       e.Arbitrator,
		TotalAmount:      e.TotalAmount,
		ItemName:         e.ItemName,
		Quantity:         e.Quantity,
		DeliveryDuration: uint64(e.DeliveryDuration),
		PORef:            e.PORef,
		CreatedAt:        uint64(e.CreatedAt),
		Status:           uint8(e.Status),
		SellerAccepted:   e.SellerAccepted,
		CancelReason:     uint8(e.CancelReason),
		Shipped:          e.Shipped,
		ShippingProvider: e.ShippingProvider,
		TrackingNumber:   e.TrackingNumber,
		ShippingRef:      e.ShippingRef,
		ProductionLogs:   e.ProductionLogs,
		Delivered:        e.Delivered,
		DeliveredAt:      uint64(e.DeliveredAt),
		Disputed:         e.Disputed,
		DisputeReason:    e.DisputeReason,
		DisputeRaisedBy:  e.DisputeRaisedBy,
		PriorStatus:      uint8(e.PriorStatus),
		Completed:        e.Completed,
		CertificateID:    e.CertificateID,
		ReleasedToSeller: e.ReleasedToSeller,
		RefundedToBuyer:  e.RefundedToBuyer,
	}
}

func (s *storedEscrow) toEscrow() *escrow.Escrow {
	return &escrow.Escrow{
		ID:               s.ID,
		Buyer:            s.Buyer,
		Seller:           s.Seller,
		Arbitrator:       s.Arbitrator,
		TotalAmount:      s.TotalAmount,
		ItemName:         s.ItemName,
		Quantity:         s.Quantity,
		DeliveryDuration: int64(s.DeliveryDuration),
		PORef:            s.PORef,
		CreatedAt:        int64(s.CreatedAt),
		Status:           escrow.Status(s.Status),
		SellerAccepted:   s.SellerAccepted,
		CancelReason:     escrow.CancelReason(s.CancelReason),
		Shipped:          s.Shipped,
		ShippingProvider: s.ShippingProvider,
		TrackingNumber:   s.TrackingNumber,
		ShippingRef:      s.ShippingRef,
		ProductionLogs:   s.ProductionLogs,
		Delivered:        s.Delivered,
		DeliveredAt:      int64(s.DeliveredAt),
		Disputed:         s.Disputed,
		DisputeReason:    s.DisputeReason,
		DisputeRaisedBy:  s.DisputeRaisedBy,
		PriorStatus:      escrow.Status(s.PriorStatus),
		Completed:        s.Completed,
		CertificateID:    s.CertificateID,
		ReleasedToSeller: s.ReleasedToSeller,
		RefundedToBuyer:  s.RefundedToBuyer,
	}
}

// EscrowPut sanitises and persists an escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredEscrow(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(prefixed(escrowRecordPrefix, sanitized.ID[:]), encoded)
}

// EscrowGet loads an escrow record by identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	data, err := m.db.Get(prefixed(escrowRecordPrefix, id[:]))
	if err != nil {
		return nil, false
	}
	var stored storedEscrow
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	return stored.toEscrow(), true
}

func (m *Manager) escrowBalance(id [32]byte) (*big.Int, error) {
	data, err := m.db.Get(prefixed(escrowVaultPrefix, id[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (m *Manager) escrowBalancePut(id [32]byte, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.db.Put(prefixed(escrowVaultPrefix, id[:]), encoded)
}

// EscrowCredit records funds entering an instance's custody.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative escrow credit")
	}
	if _, ok := m.EscrowGet(id); !ok {
		return escrow.ErrNotFound
	}
	balance, err := m.escrowBalance(id)
	if err != nil {
		return err
	}
	return m.escrowBalancePut(id, balance.Add(balance, amt))
}

// EscrowDebit records funds leaving an instance's custody.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: negative escrow debit")
	}
	balance, err := m.escrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow balance underflow")
	}
	return m.escrowBalancePut(id, balance.Sub(balance, amt))
}

// EscrowBalance returns the amount currently held in custody for an instance.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	return m.escrowBalance(id)
}

// EscrowRegistryAppend appends an identifier to the ordered registry of all
// created instances.
func (m *Manager) EscrowRegistryAppend(id [32]byte) error {
	list, err := m.EscrowRegistryList()
	if err != nil {
		return err
	}
	list = append(list, id)
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(escrowRegistryKey, encoded)
}

// EscrowRegistryList returns every instance identifier in creation order.
func (m *Manager) EscrowRegistryList() ([][32]byte, error) {
	data, err := m.db.Get(escrowRegistryKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list [][32]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// EscrowRegistryLen returns the number of instances ever created.
func (m *Manager) EscrowRegistryLen() (uint64, error) {
	list, err := m.EscrowRegistryList()
	if err != nil {
		return 0, err
	}
	return uint64(len(list)), nil
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// GetAccount loads the account for an address, returning a zero-balance
// account when none exists yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	data, err := m.db.Get(prefixed(accountPrefix, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}, nil
}

// PutAccount persists the account for an address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("state: negative account balance")
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return err
	}
	return m.db.Put(prefixed(accountPrefix, addr), encoded)
}

// PassportOwnerGet returns the registry owner slot.
func (m *Manager) PassportOwnerGet() ([20]byte, bool, error) {
	data, err := m.db.Get(passportOwnerKey)
	if errors.Is(err, storage.ErrNotFound) {
		return [20]byte{}, false, nil
	}
	if err != nil {
		return [20]byte{}, false, err
	}
	if len(data) != 20 {
		return [20]byte{}, false, fmt.Errorf("state: malformed passport owner")
	}
	var owner [20]byte
	copy(owner[:], data)
	return owner, true, nil
}

// PassportOwnerPut stores the registry owner slot.
func (m *Manager) PassportOwnerPut(owner [20]byte) error {
	return m.db.Put(passportOwnerKey, owner[:])
}

type storedToken struct {
	ID         uint64
	Owner      [20]byte
	ContentRef string
	MintedAt   uint64
}

// PassportTokenPut persists a minted certificate.
func (m *Manager) PassportTokenPut(token *passport.Token) error {
	if token == nil {
		return fmt.Errorf("state: nil passport token")
	}
	encoded, err := rlp.EncodeToBytes(&storedToken{
		ID:         token.ID,
		Owner:      token.Owner,
		ContentRef: token.ContentRef,
		MintedAt:   uint64(token.MintedAt),
	})
	if err != nil {
		return err
	}
	return m.db.Put(prefixed(passportTokenPrefix, uint64Key(token.ID)), encoded)
}

// PassportTokenGet loads a minted certificate by identifier.
func (m *Manager) PassportTokenGet(id uint64) (*passport.Token, bool, error) {
	data, err := m.db.Get(prefixed(passportTokenPrefix, uint64Key(id)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedToken
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	return &passport.Token{
		ID:         stored.ID,
		Owner:      stored.Owner,
		ContentRef: stored.ContentRef,
		MintedAt:   int64(stored.MintedAt),
	}, true, nil
}

// PassportCountGet returns how many certificates have been minted.
func (m *Manager) PassportCountGet() (uint64, error) {
	data, err := m.db.Get(passportCountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// PassportCountPut stores the mint counter.
func (m *Manager) PassportCountPut(count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	return m.db.Put(passportCountKey, encoded)
}

// PassportBalanceGet returns how many certificates an address holds.
func (m *Manager) PassportBalanceGet(addr [20]byte) (uint64, error) {
	data, err := m.db.Get(prefixed(passportBalancePrefix, addr[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var balance uint64
	if err := rlp.DecodeBytes(data, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// PassportBalancePut stores a certificate balance.
func (m *Manager) PassportBalancePut(addr [20]byte, balance uint64) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.db.Put(prefixed(passportBalancePrefix, addr[:]), encoded)
}

func uint64Key(v uint64) []byte {
	return []byte(fmt.Sprintf("%020d", v))
}
