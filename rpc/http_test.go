package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeline/core"
	"tradeline/storage"
)

const (
	buyerHex      = "0x1111111111111111111111111111111111111111"
	sellerHex     = "0x2222222222222222222222222222222222222222"
	arbitratorHex = "0x3333333333333333333333333333333333333333"
	deployerHex   = "0x4444444444444444444444444444444444444444"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	node := core.NewNode(storage.NewMemDB())
	deployer, err := parseAddress(deployerHex)
	require.NoError(t, err)
	require.NoError(t, node.SetupPassport(deployer))
	server := NewServer(node)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

type callResult struct {
	status int
	resp   RPCResponse
}

func call(t *testing.T, ts *httptest.Server, method string, params interface{}, headers map[string]string) callResult {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	} else {
		body["params"] = []interface{}{}
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	httpResp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	var resp RPCResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	return callResult{status: httpResp.StatusCode, resp: resp}
}

func mustResult(t *testing.T, res callResult, target interface{}) {
	t.Helper()
	require.Nil(t, res.resp.Error, "unexpected rpc error: %+v", res.resp.Error)
	require.Equal(t, http.StatusOK, res.status)
	encoded, err := json.Marshal(res.resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(encoded, target))
}

func createFunded(t *testing.T, ts *httptest.Server, total string) string {
	t.Helper()
	res := call(t, ts, "bank_mint", map[string]string{"address": buyerHex, "amount": total}, nil)
	require.Nil(t, res.resp.Error)

	res = call(t, ts, "escrow_create", map[string]interface{}{
		"buyer":                   buyerHex,
		"seller":                  sellerHex,
		"arbitrator":              arbitratorHex,
		"totalAmount":             total,
		"itemName":                "Mechanical Industrial Machine",
		"quantity":                1,
		"deliveryDurationSeconds": 86400,
		"poRef":                   "QmPO",
	}, nil)
	var created escrowCreateResult
	mustResult(t, res, &created)
	require.Len(t, created.ID, 66)
	return created.ID
}

func TestRPCEscrowLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	id := createFunded(t, ts, "1000000")

	res := call(t, ts, "escrow_accept", map[string]string{"id": id, "caller": sellerHex}, nil)
	require.Nil(t, res.resp.Error)
	res = call(t, ts, "escrow_deposit", map[string]string{"id": id, "caller": buyerHex, "amount": "1000000"}, nil)
	require.Nil(t, res.resp.Error)

	var esc escrowJSON
	mustResult(t, call(t, ts, "escrow_get", map[string]string{"id": id}, nil), &esc)
	require.Equal(t, "production", esc.Status)
	require.Equal(t, uint8(2), esc.StatusCode)
	require.Equal(t, "700000", esc.RemainingAmount)
	require.Equal(t, "300000", esc.ReleasedToSeller)
	require.True(t, esc.SellerAccepted)

	res = call(t, ts, "escrow_finishProduction", map[string]string{"id": id, "caller": sellerHex}, nil)
	require.Nil(t, res.resp.Error)
	res = call(t, ts, "escrow_markShipped", map[string]interface{}{
		"id": id, "caller": sellerHex,
		"provider": "FedEx", "tracking": "TRK123", "shippingRef": "QmShip",
		"productionLogs": []string{"QmLog1"},
	}, nil)
	require.Nil(t, res.resp.Error)
	res = call(t, ts, "escrow_confirmDelivery", map[string]string{"id": id, "caller": buyerHex}, nil)
	require.Nil(t, res.resp.Error)
	res = call(t, ts, "escrow_complete", map[string]string{"id": id, "caller": buyerHex}, nil)
	require.Nil(t, res.resp.Error)

	mustResult(t, call(t, ts, "escrow_get", map[string]string{"id": id}, nil), &esc)
	require.Equal(t, "completed", esc.Status)
	require.True(t, esc.Completed)
	require.Equal(t, "0", esc.RemainingAmount)
	require.Equal(t, "1000000", esc.ReleasedToSeller)
	require.Equal(t, uint64(1), esc.CertificateID)

	var balance map[string]string
	mustResult(t, call(t, ts, "bank_balance", map[string]string{"address": sellerHex}, nil), &balance)
	require.Equal(t, "1000000", balance["balance"])

	var certificates map[string]uint64
	mustResult(t, call(t, ts, "passport_balanceOf", map[string]string{"address": buyerHex}, nil), &certificates)
	require.Equal(t, uint64(1), certificates["balance"])

	var token passportTokenJSON
	mustResult(t, call(t, ts, "passport_token", map[string]uint64{"id": 1}, nil), &token)
	require.Equal(t, "QmPO", token.ContentRef)

	var ids []string
	mustResult(t, call(t, ts, "escrow_list", nil, nil), &ids)
	require.Equal(t, []string{id}, ids)
}

func TestRPCErrorTaxonomy(t *testing.T) {
	_, ts := newTestServer(t)
	id := createFunded(t, ts, "1000000")

	// Caller mismatch maps to 403.
	res := call(t, ts, "escrow_accept", map[string]string{"id": id, "caller": buyerHex}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowForbidden, res.resp.Error.Code)
	require.Equal(t, http.StatusForbidden, res.status)

	// Unknown instance maps to 404.
	missing := "0x" + fmt.Sprintf("%064x", 0xFF)
	res = call(t, ts, "escrow_get", map[string]string{"id": missing}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowNotFound, res.resp.Error.Code)
	require.Equal(t, http.StatusNotFound, res.status)

	// Out-of-order transition maps to 409.
	res = call(t, ts, "escrow_deposit", map[string]string{"id": id, "caller": buyerHex, "amount": "1000000"}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowConflict, res.resp.Error.Code)
	require.Equal(t, http.StatusConflict, res.status)

	// Wrong deposit amount maps to 400.
	call(t, ts, "escrow_accept", map[string]string{"id": id, "caller": sellerHex}, nil)
	res = call(t, ts, "escrow_deposit", map[string]string{"id": id, "caller": buyerHex, "amount": "5"}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowInvalidParams, res.resp.Error.Code)
	require.Equal(t, http.StatusBadRequest, res.status)

	// Malformed inputs never reach the node.
	res = call(t, ts, "escrow_accept", map[string]string{"id": "nope", "caller": sellerHex}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowInvalidParams, res.resp.Error.Code)
	res = call(t, ts, "escrow_accept", map[string]string{"id": id, "caller": "not-an-address"}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeEscrowInvalidParams, res.resp.Error.Code)
}

func TestRPCEnvelopeValidation(t *testing.T) {
	_, ts := newTestServer(t)

	res := call(t, ts, "no_such_method", nil, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeMethodNotFound, res.resp.Error.Code)

	httpResp, err := ts.Client().Post(ts.URL, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	var resp RPCResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	getResp, err := ts.Client().Get(ts.URL)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)

	healthResp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	require.Equal(t, http.StatusOK, healthResp.StatusCode)
}

func TestRPCWriteAuth(t *testing.T) {
	t.Setenv("TRADELINE_RPC_TOKEN", "secret")
	_, ts := newTestServer(t)

	res := call(t, ts, "bank_mint", map[string]string{"address": buyerHex, "amount": "10"}, nil)
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeUnauthorized, res.resp.Error.Code)
	require.Equal(t, http.StatusUnauthorized, res.status)

	res = call(t, ts, "bank_mint", map[string]string{"address": buyerHex, "amount": "10"},
		map[string]string{"Authorization": "Bearer wrong"})
	require.NotNil(t, res.resp.Error)
	require.Equal(t, codeUnauthorized, res.resp.Error.Code)

	res = call(t, ts, "bank_mint", map[string]string{"address": buyerHex, "amount": "10"},
		map[string]string{"Authorization": "Bearer secret"})
	require.Nil(t, res.resp.Error)

	// Reads stay open.
	var balance map[string]string
	mustResult(t, call(t, ts, "bank_balance", map[string]string{"address": buyerHex}, nil), &balance)
	require.Equal(t, "10", balance["balance"])
}
