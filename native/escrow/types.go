package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a supply-chain escrow instance.
// The numeric encoding is part of the external interface and must not be
// reordered.
type Status uint8

const (
	StatusCreated Status = iota
	StatusAccepted
	StatusProduction
	StatusProductionCompleted
	StatusShipped
	StatusDelivered
	StatusCompleted
	StatusDisputed
	StatusRefunded
	// StatusCancelled covers pre-acceptance termination. Historically this
	// outcome shared code 8 with dispute refunds; it is kept as a distinct
	// variant so the two causes remain distinguishable.
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCancelled
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name used in events and RPC payloads.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAccepted:
		return "accepted"
	case StatusProduction:
		return "production"
	case StatusProductionCompleted:
		return "production_completed"
	case StatusShipped:
		return "shipped"
	case StatusDelivered:
		return "delivered"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CancelReason records why a created escrow was terminated before acceptance.
type CancelReason uint8

const (
	CancelReasonNone CancelReason = iota
	// CancelReasonExpired marks offers the seller failed to accept in time.
	CancelReasonExpired
	// CancelReasonWithdrawn marks offers the buyer withdrew pre-acceptance.
	CancelReasonWithdrawn
)

// String returns the reason name used in events.
func (r CancelReason) String() string {
	switch r {
	case CancelReasonExpired:
		return "expired"
	case CancelReasonWithdrawn:
		return "withdrawn"
	default:
		return "none"
	}
}

// Milestone release percentages, in basis points of the total amount. The
// final release always transfers whatever balance remains so the escrow zeroes
// out exactly regardless of integer truncation in the earlier two transfers.
const (
	DepositReleaseBps  = 3_000
	DeliveryReleaseBps = 5_000
)

// Time gates, in seconds.
const (
	// AcceptWindowSeconds is how long the seller has to accept a new offer.
	AcceptWindowSeconds int64 = 24 * 60 * 60
	// InspectionWindowSeconds is how long after delivery the buyer may
	// inspect before the seller can force-claim the final payment.
	InspectionWindowSeconds int64 = 14 * 24 * 60 * 60
)

// Escrow captures the immutable order terms and the mutable runtime state of a
// single supply-chain escrow instance.
type Escrow struct {
	ID               [32]byte
	Buyer            [20]byte
	Seller           [20]byte
	Arbitrator       [20]byte
	TotalAmount      *big.Int
	ItemName         string
	Quantity         uint64
	DeliveryDuration int64
	PORef            string
	CreatedAt        int64

	Status         Status
	SellerAccepted bool
	CancelReason   CancelReason

	Shipped          bool
	ShippingProvider string
	TrackingNumber   string
	ShippingRef      string
	ProductionLogs   []string

	Delivered   bool
	DeliveredAt int64

	Disputed        bool
	DisputeReason   string
	DisputeRaisedBy [20]byte
	// PriorStatus remembers the state the escrow was frozen from when a
	// dispute was raised.
	PriorStatus Status

	Completed     bool
	CertificateID uint64

	// ReleasedToSeller and RefundedToBuyer track cumulative fund movement out
	// of custody for the conservation invariant.
	ReleasedToSeller *big.Int
	RefundedToBuyer  *big.Int
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(e.TotalAmount)
	} else {
		clone.TotalAmount = big.NewInt(0)
	}
	if e.ReleasedToSeller != nil {
		clone.ReleasedToSeller = new(big.Int).Set(e.ReleasedToSeller)
	} else {
		clone.ReleasedToSeller = big.NewInt(0)
	}
	if e.RefundedToBuyer != nil {
		clone.RefundedToBuyer = new(big.Int).Set(e.RefundedToBuyer)
	} else {
		clone.RefundedToBuyer = big.NewInt(0)
	}
	if len(e.ProductionLogs) > 0 {
		clone.ProductionLogs = append([]string(nil), e.ProductionLogs...)
	}
	return &clone
}

// Terms groups the immutable order parameters supplied at creation.
type Terms struct {
	Buyer            [20]byte
	Seller           [20]byte
	Arbitrator       [20]byte
	TotalAmount      *big.Int
	ItemName         string
	Quantity         uint64
	DeliveryDuration int64
	PORef            string
}

// Validate checks the creation preconditions: distinct participants, positive
// amounts, and a non-empty item name and purchase-order reference.
func (t *Terms) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: terms must not be nil", ErrInvalidTerms)
	}
	if t.Buyer == ([20]byte{}) || t.Seller == ([20]byte{}) || t.Arbitrator == ([20]byte{}) {
		return fmt.Errorf("%w: participants required", ErrInvalidTerms)
	}
	if t.Buyer == t.Seller || t.Buyer == t.Arbitrator || t.Seller == t.Arbitrator {
		return fmt.Errorf("%w: buyer, seller and arbitrator must be distinct", ErrInvalidTerms)
	}
	if t.TotalAmount == nil || t.TotalAmount.Sign() <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrInvalidTerms)
	}
	if strings.TrimSpace(t.ItemName) == "" {
		return fmt.Errorf("%w: item name required", ErrInvalidTerms)
	}
	if t.Quantity == 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidTerms)
	}
	if t.DeliveryDuration <= 0 {
		return fmt.Errorf("%w: delivery duration must be positive", ErrInvalidTerms)
	}
	if strings.TrimSpace(t.PORef) == "" {
		return fmt.Errorf("%w: purchase order reference required", ErrInvalidTerms)
	}
	return nil
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with non-nil amount fields. The function does
// not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow total amount must be positive")
	}
	if clone.ReleasedToSeller.Sign() < 0 || clone.RefundedToBuyer.Sign() < 0 {
		return nil, fmt.Errorf("escrow payout totals must be non-negative")
	}
	settled := new(big.Int).Add(clone.ReleasedToSeller, clone.RefundedToBuyer)
	if settled.Cmp(clone.TotalAmount) > 0 {
		return nil, fmt.Errorf("escrow payouts exceed total amount")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
