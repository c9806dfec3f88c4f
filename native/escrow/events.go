package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"tradeline/core/types"
)

const (
	EventTypeCreated            = "escrow.created"
	EventTypeAccepted           = "escrow.accepted"
	EventTypeCancelled          = "escrow.cancelled"
	EventTypeDeposited          = "escrow.deposited"
	EventTypeProductionFinished = "escrow.production_finished"
	EventTypeProductionLog      = "escrow.production_log"
	EventTypeShipped            = "escrow.shipped"
	EventTypeDelivered          = "escrow.delivered"
	EventTypeCompleted          = "escrow.completed"
	EventTypeDisputed           = "escrow.disputed"
	EventTypeResolved           = "escrow.resolved"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow,
// carrying the full order terms for off-chain indexers.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeCreated, e)
	if e == nil {
		return evt
	}
	evt.Attributes["itemName"] = e.ItemName
	evt.Attributes["quantity"] = strconv.FormatUint(e.Quantity, 10)
	evt.Attributes["deliveryDuration"] = strconv.FormatInt(e.DeliveryDuration, 10)
	evt.Attributes["poRef"] = e.PORef
	return evt
}

// NewAcceptedEvent returns the payload emitted when the seller accepts.
func NewAcceptedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeAccepted, e) }

// NewCancelledEvent returns the payload emitted when a created offer is
// terminated before acceptance, carrying the cancellation cause.
func NewCancelledEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeCancelled, e)
	if e != nil {
		evt.Attributes["reason"] = e.CancelReason.String()
	}
	return evt
}

// NewDepositedEvent returns the payload emitted when the buyer funds the
// escrow and production starts, carrying the upfront release amount.
func NewDepositedEvent(e *Escrow, released string) *types.Event {
	evt := newEscrowEvent(EventTypeDeposited, e)
	evt.Attributes["released"] = released
	return evt
}

// NewProductionFinishedEvent returns the payload emitted when the seller marks
// production complete.
func NewProductionFinishedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeProductionFinished, e)
}

// NewProductionLogEvent returns the payload emitted when the seller appends a
// production evidence reference.
func NewProductionLogEvent(e *Escrow, ref string) *types.Event {
	evt := newEscrowEvent(EventTypeProductionLog, e)
	evt.Attributes["ref"] = ref
	return evt
}

// NewShippedEvent returns the payload emitted at the shipping transition with
// the carrier details.
func NewShippedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeShipped, e)
	if e != nil {
		evt.Attributes["provider"] = e.ShippingProvider
		evt.Attributes["tracking"] = e.TrackingNumber
		evt.Attributes["shippingRef"] = e.ShippingRef
	}
	return evt
}

// NewDeliveredEvent returns the payload emitted when the buyer confirms
// delivery, carrying the milestone release amount.
func NewDeliveredEvent(e *Escrow, released string) *types.Event {
	evt := newEscrowEvent(EventTypeDelivered, e)
	evt.Attributes["released"] = released
	return evt
}

// NewCompletedEvent returns the payload emitted at terminal completion with
// the final release amount and the minted certificate identifier.
func NewCompletedEvent(e *Escrow, released string) *types.Event {
	evt := newEscrowEvent(EventTypeCompleted, e)
	evt.Attributes["released"] = released
	if e != nil {
		evt.Attributes["certificateId"] = strconv.FormatUint(e.CertificateID, 10)
	}
	return evt
}

// NewDisputedEvent returns the payload emitted when the buyer freezes the
// escrow pending arbitration.
func NewDisputedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeDisputed, e)
	if e != nil {
		evt.Attributes["reason"] = e.DisputeReason
		evt.Attributes["raisedBy"] = hex.EncodeToString(e.DisputeRaisedBy[:])
		evt.Attributes["priorStatus"] = e.PriorStatus.String()
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when the arbitrator settles a
// disputed escrow. Outcome is "release" or "refund".
func NewResolvedEvent(e *Escrow, outcome string, amount string) *types.Event {
	evt := newEscrowEvent(EventTypeResolved, e)
	if strings.TrimSpace(outcome) != "" {
		evt.Attributes["outcome"] = outcome
	}
	evt.Attributes["amount"] = amount
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["arbitrator"] = hex.EncodeToString(e.Arbitrator[:])
	if e.TotalAmount != nil {
		attrs["totalAmount"] = e.TotalAmount.String()
	}
	attrs["status"] = e.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
