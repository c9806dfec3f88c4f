package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tradeline/native/escrow"
	"tradeline/native/passport"
)

type escrowCreateParams struct {
	Buyer                   string `json:"buyer"`
	Seller                  string `json:"seller"`
	Arbitrator              string `json:"arbitrator"`
	TotalAmount             string `json:"totalAmount"`
	ItemName                string `json:"itemName"`
	Quantity                uint64 `json:"quantity"`
	DeliveryDurationSeconds int64  `json:"deliveryDurationSeconds"`
	PoRef                   string `json:"poRef"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowDepositParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type escrowLogParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Ref    string `json:"ref"`
}

type escrowShipParams struct {
	ID             string   `json:"id"`
	Caller         string   `json:"caller"`
	Provider       string   `json:"provider"`
	Tracking       string   `json:"tracking"`
	ShippingRef    string   `json:"shippingRef"`
	ProductionLogs []string `json:"productionLogs,omitempty"`
}

type escrowDisputeParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	ReasonRef string `json:"reasonRef"`
}

type escrowResolveParams struct {
	ID              string `json:"id"`
	Caller          string `json:"caller"`
	ReleaseToSeller bool   `json:"releaseToSeller"`
}

type addressParams struct {
	Address string `json:"address"`
}

type bankMintParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type passportTokenParams struct {
	ID uint64 `json:"id"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowJSON struct {
	ID                      string   `json:"id"`
	Buyer                   string   `json:"buyer"`
	Seller                  string   `json:"seller"`
	Arbitrator              string   `json:"arbitrator"`
	TotalAmount             string   `json:"totalAmount"`
	ItemName                string   `json:"itemName"`
	Quantity                uint64   `json:"quantity"`
	DeliveryDurationSeconds int64    `json:"deliveryDurationSeconds"`
	PoRef                   string   `json:"poRef"`
	CreatedAt               int64    `json:"createdAt"`
	Status                  string   `json:"status"`
	StatusCode              uint8    `json:"statusCode"`
	SellerAccepted          bool     `json:"sellerAccepted"`
	CancelReason            string   `json:"cancelReason,omitempty"`
	Shipped                 bool     `json:"shipped"`
	ShippingProvider        string   `json:"shippingProvider,omitempty"`
	TrackingNumber          string   `json:"trackingNumber,omitempty"`
	ShippingRef             string   `json:"shippingRef,omitempty"`
	ProductionLogs          []string `json:"productionLogs,omitempty"`
	Delivered               bool     `json:"delivered"`
	DeliveredAt             int64    `json:"deliveredAt,omitempty"`
	Disputed                bool     `json:"disputed"`
	DisputeReason           string   `json:"disputeReason,omitempty"`
	DisputeRaisedBy         string   `json:"disputeRaisedBy,omitempty"`
	PriorStatus             string   `json:"priorStatus,omitempty"`
	Completed               bool     `json:"completed"`
	CertificateID           uint64   `json:"certificateId,omitempty"`
	ReleasedToSeller        string   `json:"releasedToSeller"`
	RefundedToBuyer         string   `json:"refundedToBuyer"`
	RemainingAmount         string   `json:"remainingAmount"`
}

type passportTokenJSON struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"owner"`
	ContentRef string `json:"contentRef"`
	MintedAt   int64  `json:"mintedAt"`
}

func decodeParams(params []json.RawMessage, target interface{}) *RPCError {
	if len(params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	if err := json.Unmarshal(params[0], target); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", value)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

func parseEscrowID(value string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return [32]byte{}, fmt.Errorf("invalid escrow id %q", value)
	}
	var id [32]byte
	copy(id[:], decoded)
	return id, nil
}

func formatEscrowID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// errorToRPC maps the escrow/passport error taxonomy onto JSON-RPC error
// codes: validation 400, missing 404, caller mismatch 403, status and time
// gates 409.
func errorToRPC(err error) *RPCError {
	switch {
	case errors.Is(err, escrow.ErrInvalidTerms),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrWrongAmount),
		errors.Is(err, passport.ErrInvalidMint):
		return rpcErrorWith(http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, passport.ErrTokenNotFound):
		return rpcErrorWith(http.StatusNotFound, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrWrongCaller), errors.Is(err, passport.ErrUnauthorized):
		return rpcErrorWith(http.StatusForbidden, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrWrongStatus),
		errors.Is(err, escrow.ErrAlreadyDisputed),
		errors.Is(err, escrow.ErrExpired),
		errors.Is(err, escrow.ErrTooEarly),
		errors.Is(err, passport.ErrOwnerSet),
		errors.Is(err, passport.ErrOwnerNotSet):
		return rpcErrorWith(http.StatusConflict, codeEscrowConflict, "conflict", err.Error())
	default:
		return rpcErrorWith(http.StatusInternalServerError, codeEscrowInternal, "internal_error", err.Error())
	}
}

func (s *Server) formatEscrowJSON(esc *escrow.Escrow) (*escrowJSON, *RPCError) {
	remaining, err := s.node.EscrowRemaining(esc.ID)
	if err != nil {
		return nil, errorToRPC(err)
	}
	out := &escrowJSON{
		ID:                      formatEscrowID(esc.ID),
		Buyer:                   common.Address(esc.Buyer).Hex(),
		Seller:                  common.Address(esc.Seller).Hex(),
		Arbitrator:              common.Address(esc.Arbitrator).Hex(),
		TotalAmount:             esc.TotalAmount.String(),
		ItemName:                esc.ItemName,
		Quantity:                esc.Quantity,
		DeliveryDurationSeconds: esc.DeliveryDuration,
		PoRef:                   esc.PORef,
		CreatedAt:               esc.CreatedAt,
		Status:                  esc.Status.String(),
		StatusCode:              uint8(esc.Status),
		SellerAccepted:          esc.SellerAccepted,
		Shipped:                 esc.Shipped,
		ShippingProvider:        esc.ShippingProvider,
		TrackingNumber:          esc.TrackingNumber,
		ShippingRef:             esc.ShippingRef,
		ProductionLogs:          esc.ProductionLogs,
		Delivered:               esc.Delivered,
		DeliveredAt:             esc.DeliveredAt,
		Disputed:                esc.Disputed,
		DisputeReason:           esc.DisputeReason,
		Completed:               esc.Completed,
		CertificateID:           esc.CertificateID,
		ReleasedToSeller:        esc.ReleasedToSeller.String(),
		RefundedToBuyer:         esc.RefundedToBuyer.String(),
		RemainingAmount:         remaining.String(),
	}
	if esc.CancelReason != escrow.CancelReasonNone {
		out.CancelReason = esc.CancelReason.String()
	}
	if esc.Disputed {
		out.DisputeRaisedBy = common.Address(esc.DisputeRaisedBy).Hex()
		out.PriorStatus = esc.PriorStatus.String()
	}
	return out, nil
}

func (s *Server) handleEscrowCreate(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowCreateParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	buyer, err := parseAddress(p.Buyer)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	seller, err := parseAddress(p.Seller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	arbitrator, err := parseAddress(p.Arbitrator)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	amount, err := parsePositiveBigInt(p.TotalAmount)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	esc, err := s.node.EscrowCreate(&escrow.Terms{
		Buyer:            buyer,
		Seller:           seller,
		Arbitrator:       arbitrator,
		TotalAmount:      amount,
		ItemName:         strings.TrimSpace(p.ItemName),
		Quantity:         p.Quantity,
		DeliveryDuration: p.DeliveryDurationSeconds,
		PORef:            strings.TrimSpace(p.PoRef),
	})
	if err != nil {
		return nil, errorToRPC(err)
	}
	return escrowCreateResult{ID: formatEscrowID(esc.ID)}, nil
}

// actorCall factors the common id+caller decoding shared by most transitions.
func (s *Server) actorCall(params []json.RawMessage, op func(id [32]byte, caller [20]byte) error) (interface{}, *RPCError) {
	var p escrowActorParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := op(id, caller); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowAccept(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowAccept)
}

func (s *Server) handleEscrowCancel(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowCancel)
}

func (s *Server) handleEscrowDeposit(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowDepositParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	amount, err := parsePositiveBigInt(p.Amount)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.EscrowDeposit(id, caller, amount); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowFinishProduction(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowFinishProduction)
}

func (s *Server) handleEscrowAddProductionLog(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowLogParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.EscrowAddProductionLog(id, caller, p.Ref); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowMarkShipped(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowShipParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.EscrowMarkShipped(id, caller, p.Provider, p.Tracking, p.ShippingRef, p.ProductionLogs); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowConfirmDelivery(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowConfirmDelivery)
}

func (s *Server) handleEscrowComplete(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowComplete)
}

func (s *Server) handleEscrowClaimFinal(params []json.RawMessage) (interface{}, *RPCError) {
	return s.actorCall(params, s.node.EscrowClaimFinalPayment)
}

func (s *Server) handleEscrowDispute(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowDisputeParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.EscrowRaiseDispute(id, caller, p.ReasonRef); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowResolve(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowResolveParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	caller, err := parseAddress(p.Caller)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.EscrowResolveDispute(id, caller, p.ReleaseToSeller); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleEscrowGet(params []json.RawMessage) (interface{}, *RPCError) {
	var p escrowIDParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseEscrowID(p.ID)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	esc, err := s.node.EscrowGet(id)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return s.formatEscrowJSON(esc)
}

func (s *Server) handleEscrowList(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) != 0 {
		return nil, invalidParams("no parameters expected")
	}
	ids, err := s.node.EscrowList()
	if err != nil {
		return nil, errorToRPC(err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, formatEscrowID(id))
	}
	return out, nil
}

func (s *Server) handleEscrowListDisputed(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) != 0 {
		return nil, invalidParams("no parameters expected")
	}
	disputed, err := s.node.EscrowListDisputed()
	if err != nil {
		return nil, errorToRPC(err)
	}
	out := make([]*escrowJSON, 0, len(disputed))
	for _, esc := range disputed {
		formatted, rpcErr := s.formatEscrowJSON(esc)
		if rpcErr != nil {
			return nil, rpcErr
		}
		out = append(out, formatted)
	}
	return out, nil
}

func (s *Server) handlePassportOwner(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) != 0 {
		return nil, invalidParams("no parameters expected")
	}
	owner, ok, err := s.node.PassportOwner()
	if err != nil {
		return nil, errorToRPC(err)
	}
	if !ok {
		return map[string]interface{}{"owner": nil}, nil
	}
	return map[string]interface{}{"owner": common.Address(owner).Hex()}, nil
}

func (s *Server) handlePassportBalanceOf(params []json.RawMessage) (interface{}, *RPCError) {
	var p addressParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddress(p.Address)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	balance, err := s.node.PassportBalanceOf(addr)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]uint64{"balance": balance}, nil
}

func (s *Server) handlePassportToken(params []json.RawMessage) (interface{}, *RPCError) {
	var p passportTokenParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	token, err := s.node.PassportToken(p.ID)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return &passportTokenJSON{
		ID:         token.ID,
		Owner:      common.Address(token.Owner).Hex(),
		ContentRef: token.ContentRef,
		MintedAt:   token.MintedAt,
	}, nil
}

func (s *Server) handleBankBalance(params []json.RawMessage) (interface{}, *RPCError) {
	var p addressParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddress(p.Address)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]string{"balance": balance.String()}, nil
}

func (s *Server) handleBankMint(params []json.RawMessage) (interface{}, *RPCError) {
	var p bankMintParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseAddress(p.Address)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	amount, err := parsePositiveBigInt(p.Amount)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	if err := s.node.MintBalance(addr, amount); err != nil {
		return nil, errorToRPC(err)
	}
	return map[string]bool{"ok": true}, nil
}
