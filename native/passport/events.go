package passport

import (
	"encoding/hex"
	"strconv"

	"tradeline/core/types"
)

const (
	EventTypeMinted           = "passport.minted"
	EventTypeOwnerTransferred = "passport.owner_transferred"
)

type passportEvent struct {
	evt *types.Event
}

func (e passportEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e passportEvent) Event() *types.Event { return e.evt }

// NewMintedEvent returns the canonical payload for a freshly minted
// certificate.
func NewMintedEvent(t *Token) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		attrs["tokenId"] = strconv.FormatUint(t.ID, 10)
		attrs["owner"] = hex.EncodeToString(t.Owner[:])
		attrs["contentRef"] = t.ContentRef
		attrs["mintedAt"] = strconv.FormatInt(t.MintedAt, 10)
	}
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}

// NewOwnerTransferredEvent returns the payload for the one-shot minting
// authority handoff.
func NewOwnerTransferredEvent(from, to [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeOwnerTransferred,
		Attributes: map[string]string{
			"from": hex.EncodeToString(from[:]),
			"to":   hex.EncodeToString(to[:]),
		},
	}
}
