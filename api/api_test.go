package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethapitypes "github.com/ethereum/go-ethereum/signer/core/apitypes"
	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/db/metadb"
	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/relayer"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/validator"
)

const (
	testChainID   = 31337
	testAdminUser = "admin"
	testAdminPass = "changeme"
)

type testOracle struct{}

func (testOracle) NonceUsed(context.Context, common.Hash) (bool, error) { return false, nil }

func (testOracle) LockedFundsETH(context.Context, common.Address) (*big.Int, error) {
	locked, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return locked, nil
}

func (testOracle) LockedFundsERC20(context.Context, common.Address, common.Address) (*big.Int, error) {
	locked, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return locked, nil
}

func (testOracle) WithdrawTimestamp(context.Context, common.Address) (uint64, error) { return 0, nil }
func (testOracle) TokenDecimals(context.Context, common.Address) (uint8, error)     { return 18, nil }
func (testOracle) ChainID(context.Context) (uint64, error)                          { return testChainID, nil }

type testAPI struct {
	api     *API
	server  *httptest.Server
	storage *store.Storage
	bus     *eventbus.Bus
	key     *ecdsa.PrivateKey
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	c := qt.New(t)

	database, err := metadb.New(db.TypeInMemory, db.Options{})
	c.Assert(err, qt.IsNil)
	stg, err := store.New(database)
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { _ = stg.Close() })

	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)

	vld := validator.New(stg, testOracle{}, testChainID)
	bus := eventbus.New(64)
	t.Cleanup(bus.Close)
	queue := relayer.New(stg, vld, nil, bus, relayer.DefaultMaxConcurrent, relayer.DefaultMaxRetries)

	a, err := New(context.Background(), &APIConfig{
		Storage:   stg,
		Queue:     queue,
		Validator: vld,
		Bus:       bus,
		AdminUser: testAdminUser,
		AdminPass: testAdminPass,
	})
	c.Assert(err, qt.IsNil)

	server := httptest.NewServer(a.Router())
	t.Cleanup(server.Close)

	return &testAPI{api: a, server: server, storage: stg, bus: bus, key: key}
}

// signedRequest builds a correctly signed submission body.
func (ta *testAPI) signedRequest(t *testing.T, nonce string) map[string]any {
	t.Helper()
	c := qt.New(t)

	req := &submitRequest{
		From:            strings.ToLower(crypto.PubkeyToAddress(ta.key.PublicKey).Hex()),
		To:              "0x2222222222222222222222222222222222222222",
		Amount:          "1.5",
		Nonce:           nonce,
		Deadline:        time.Now().Add(time.Hour).Unix(),
		ContractAddress: "0x3333333333333333333333333333333333333333",
	}
	tf, err := req.transfer()
	c.Assert(err, qt.IsNil)
	amount, err := validator.ParseAmount(tf.Amount, validator.EthDecimals)
	c.Assert(err, qt.IsNil)
	hash, _, err := gethapitypes.TypedDataAndHash(validator.TypedData(tf, amount, testChainID))
	c.Assert(err, qt.IsNil)
	sig, err := crypto.Sign(hash, ta.key)
	c.Assert(err, qt.IsNil)
	sig[crypto.RecoveryIDOffset] += 27

	return map[string]any{
		"from":            req.From,
		"to":              req.To,
		"amount":          req.Amount,
		"nonce":           req.Nonce,
		"deadline":        req.Deadline,
		"signature":       "0x" + common.Bytes2Hex(sig),
		"contractAddress": req.ContractAddress,
	}
}

func (ta *testAPI) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	c := qt.New(t)
	data, err := json.Marshal(body)
	c.Assert(err, qt.IsNil)
	resp, err := http.Post(ta.server.URL+path, "application/json", bytes.NewReader(data))
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	c.Assert(json.NewDecoder(resp.Body).Decode(&out), qt.IsNil)
	return resp.StatusCode, out
}

func (ta *testAPI) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	c := qt.New(t)
	resp, err := http.Get(ta.server.URL + path)
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	c.Assert(json.NewDecoder(resp.Body).Decode(&out), qt.IsNil)
	return resp.StatusCode, out
}

func errorList(body map[string]any) []string {
	raw, _ := body["errors"].([]any)
	out := make([]string, len(raw))
	for i, e := range raw {
		out[i], _ = e.(string)
	}
	return out
}

func TestSubmitTransfer(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	status, body := ta.post(t, SubmitEndpoint, ta.signedRequest(t, "0x01"))
	c.Assert(status, qt.Equals, http.StatusCreated)
	c.Assert(body["success"], qt.Equals, true)
	c.Assert(body["transferId"], qt.Equals, float64(1))

	// The row is validated and both events are logged.
	status, body = ta.get(t, TransfersEndpoint+"/1")
	c.Assert(status, qt.Equals, http.StatusOK)
	transfer := body["transfer"].(map[string]any)
	c.Assert(transfer["status"], qt.Equals, "validated")
	events := body["events"].([]any)
	c.Assert(events, qt.HasLen, 2)

	// The synonym endpoint accepts too.
	status, _ = ta.post(t, TransfersEndpoint, ta.signedRequest(t, "0x02"))
	c.Assert(status, qt.Equals, http.StatusCreated)
}

func TestSubmitShapeValidation(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	status, body := ta.post(t, SubmitEndpoint, map[string]any{
		"from":            "not-an-address",
		"to":              "0x2222222222222222222222222222222222222222",
		"amount":          "-3",
		"nonce":           "xyz",
		"deadline":        0,
		"signature":       "0x1234",
		"contractAddress": "0x3333333333333333333333333333333333333333",
	})
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(body["success"], qt.Equals, false)
	errs := errorList(body)
	c.Assert(errs, qt.Contains, "Invalid from address")
	c.Assert(errs, qt.Contains, "Invalid nonce")
	c.Assert(errs, qt.Contains, "Invalid amount")
	c.Assert(errs, qt.Contains, "Invalid deadline")
}

func TestSubmitDuplicateNonce(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	req := ta.signedRequest(t, "0x07")
	status, _ := ta.post(t, SubmitEndpoint, req)
	c.Assert(status, qt.Equals, http.StatusCreated)

	status, body := ta.post(t, SubmitEndpoint, req)
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(errorList(body), qt.Contains, "Nonce already used")
}

func TestSubmitInvalidSignature(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	req := ta.signedRequest(t, "0x09")
	req["amount"] = "2.5" // tamper after signing
	status, body := ta.post(t, SubmitEndpoint, req)
	c.Assert(status, qt.Equals, http.StatusBadRequest)
	c.Assert(errorList(body), qt.Contains, validator.ErrMsgInvalidSignature)
}

func TestSubmitRateLimit(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	var status int
	var body map[string]any
	for i := 0; i < rateLimitMaxRequests; i++ {
		status, _ = ta.post(t, SubmitEndpoint, map[string]any{})
		c.Assert(status, qt.Equals, http.StatusBadRequest)
	}
	status, body = ta.post(t, SubmitEndpoint, map[string]any{})
	c.Assert(status, qt.Equals, http.StatusTooManyRequests)
	c.Assert(body["retryAfter"], qt.Not(qt.IsNil))
	c.Assert(body["retryAfter"].(float64) >= 1, qt.IsTrue)

	// Status queries are not rate limited.
	status, _ = ta.get(t, HealthEndpoint)
	c.Assert(status, qt.Equals, http.StatusOK)
}

func TestTransferStatusErrors(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	status, _ := ta.get(t, TransfersEndpoint+"/999")
	c.Assert(status, qt.Equals, http.StatusNotFound)

	status, _ = ta.get(t, TransfersEndpoint+"/abc")
	c.Assert(status, qt.Equals, http.StatusBadRequest)
}

func TestStatsAndHealth(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	_, _ = ta.post(t, SubmitEndpoint, ta.signedRequest(t, "0x0a"))

	status, body := ta.get(t, StatsEndpoint)
	c.Assert(status, qt.Equals, http.StatusOK)
	queue := body["queue"].(map[string]any)
	c.Assert(queue["pending"], qt.Equals, float64(1))
	c.Assert(queue["completed"], qt.Equals, float64(0))
	processing := body["processing"].(map[string]any)
	c.Assert(processing["max"], qt.Equals, float64(relayer.DefaultMaxConcurrent))

	status, body = ta.get(t, HealthEndpoint)
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(body["status"], qt.Equals, "ok")
}

func TestAdminConcurrency(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	put := func(user, pass string, body any) (int, map[string]any) {
		data, err := json.Marshal(body)
		c.Assert(err, qt.IsNil)
		req, err := http.NewRequest(http.MethodPut, ta.server.URL+AdminConcurrencyEndpoint, bytes.NewReader(data))
		c.Assert(err, qt.IsNil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		c.Assert(err, qt.IsNil)
		defer func() { _ = resp.Body.Close() }()
		out := map[string]any{}
		c.Assert(json.NewDecoder(resp.Body).Decode(&out), qt.IsNil)
		return resp.StatusCode, out
	}

	status, _ := put("", "", map[string]any{"maxConcurrent": 5})
	c.Assert(status, qt.Equals, http.StatusUnauthorized)

	status, _ = put(testAdminUser, "wrong", map[string]any{"maxConcurrent": 5})
	c.Assert(status, qt.Equals, http.StatusUnauthorized)

	status, body := put(testAdminUser, testAdminPass, map[string]any{"maxConcurrent": 5})
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(body["maxConcurrent"], qt.Equals, float64(5))

	status, _ = put(testAdminUser, testAdminPass, map[string]any{"maxConcurrent": 42})
	c.Assert(status, qt.Equals, http.StatusBadRequest)
}

func TestTransactionsByAddress(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	req := ta.signedRequest(t, "0x0b")
	status, _ := ta.post(t, SubmitEndpoint, req)
	c.Assert(status, qt.Equals, http.StatusCreated)

	status, body := ta.get(t, "/transactions/"+req["from"].(string))
	c.Assert(status, qt.Equals, http.StatusOK)
	c.Assert(body["count"], qt.Equals, float64(1))

	status, _ = ta.get(t, "/transactions/nope")
	c.Assert(status, qt.Equals, http.StatusBadRequest)
}

func TestDegradedMode(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	degraded, err := New(context.Background(), &APIConfig{
		Queue: ta.api.queue,
	})
	c.Assert(err, qt.IsNil)
	server := httptest.NewServer(degraded.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+SubmitEndpoint, "application/json", strings.NewReader("{}"))
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp.Body.Close() }()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusServiceUnavailable)

	body := map[string]any{}
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), qt.IsNil)

	resp2, err := http.Get(server.URL + HealthEndpoint)
	c.Assert(err, qt.IsNil)
	defer func() { _ = resp2.Body.Close() }()
	health := map[string]any{}
	c.Assert(json.NewDecoder(resp2.Body).Decode(&health), qt.IsNil)
	c.Assert(health["status"], qt.Equals, "degraded")
}

func TestWebsocketSubscription(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(ta.server.URL, "http") + WebsocketEndpoint
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	c.Assert(err, qt.IsNil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	read := func() wsOutbound {
		c.Assert(conn.SetReadDeadline(time.Now().Add(5*time.Second)), qt.IsNil)
		msg := wsOutbound{}
		c.Assert(conn.ReadJSON(&msg), qt.IsNil)
		return msg
	}

	msg := read()
	c.Assert(msg.Type, qt.Equals, "connected")
	clientID := msg.Data.(map[string]any)["clientId"].(string)
	c.Assert(clientID, qt.Not(qt.Equals), "")

	c.Assert(conn.WriteJSON(wsInbound{Type: "subscribe", Topic: eventbus.TopicAccepted}), qt.IsNil)
	msg = read()
	c.Assert(msg.Type, qt.Equals, "subscribed")

	c.Assert(conn.WriteJSON(wsInbound{Type: "ping"}), qt.IsNil)
	msg = read()
	c.Assert(msg.Type, qt.Equals, "pong")

	// A submission broadcasts payment_accepted to the subscriber.
	status, body := ta.post(t, SubmitEndpoint, ta.signedRequest(t, "0x0c"))
	c.Assert(status, qt.Equals, http.StatusCreated)
	msg = read()
	c.Assert(msg.Type, qt.Equals, eventbus.TopicAccepted)
	transfer := msg.Data.(map[string]any)
	c.Assert(transfer["id"], qt.Equals, body["transferId"])
	c.Assert(transfer["status"], qt.Equals, "validated")

	c.Assert(conn.WriteJSON(wsInbound{Type: "unsubscribe", Topic: eventbus.TopicAccepted}), qt.IsNil)
	msg = read()
	c.Assert(msg.Type, qt.Equals, "unsubscribed")

	c.Assert(conn.WriteJSON(wsInbound{Type: "bogus"}), qt.IsNil)
	msg = read()
	c.Assert(msg.Type, qt.Equals, "error")
}
