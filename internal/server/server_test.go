package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeescrow/internal/config"
	"homeescrow/internal/escrow"
	"homeescrow/internal/idempotency"
	"homeescrow/internal/registry"
	"homeescrow/internal/sigauth"
	"homeescrow/internal/state"
	"homeescrow/internal/vault"
)

type harness struct {
	srv      *Server
	engine   *escrow.Engine
	registry *registry.MemoryRegistry
	vault    *vault.MemoryVault
	custody  common.Address
	assetID  escrow.AssetID

	seller, buyer, inspector, lender *ecdsa.PrivateKey
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addr(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func newHarness(t *testing.T, limit config.RateLimit) *harness {
	t.Helper()
	h := &harness{
		seller:    mustKey(t),
		buyer:     mustKey(t),
		inspector: mustKey(t),
		lender:    mustKey(t),
		custody:   common.HexToAddress("0x00000000000000000000000000000000000e5c40"),
	}

	h.registry = registry.NewMemoryRegistry(common.HexToAddress("0x0000000000000000000000000000000000000721"))
	id, err := h.registry.Mint(addr(h.seller), "ipfs://home/1.json")
	require.NoError(t, err)
	h.assetID = id
	h.registry.SetApprovalForAll(addr(h.seller), h.custody, true)

	h.vault = vault.NewMemoryVault(h.custody)
	h.vault.Mint(addr(h.buyer), uint256.NewInt(1_000))
	h.vault.Mint(addr(h.lender), uint256.NewInt(1_000))

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			ClockSkew:         time.Minute,
			IdempotencyWindow: time.Minute,
			RateLimit:         limit,
		},
	}
	cfg.Deployment.ChainID = 31337

	log := logrus.New()
	log.SetOutput(io.Discard)

	h.engine, err = escrow.NewEngine(context.Background(), escrow.Config{
		Address:  h.custody,
		Registry: h.registry.Address(),
		Roles: escrow.Roles{
			Seller:    addr(h.seller),
			Inspector: addr(h.inspector),
			Lender:    addr(h.lender),
		},
	}, h.registry.Operator(h.custody), h.vault, state.NewMemoryStore())
	require.NoError(t, err)
	h.engine.SetLogger(log)

	h.srv = NewServer(cfg, h.engine, h.registry.Operator(h.custody), idempotency.NewMemoryStore(), log)
	h.engine.SetEmitter(h.srv.Emitter())
	return h
}

func (h *harness) do(t *testing.T, key *ecdsa.PrivateKey, path, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if key != nil {
		require.NoError(t, sigauth.SignRequest(req, key, time.Now()))
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func generous() config.RateLimit {
	return config.RateLimit{RequestsPerMinute: 6000, Burst: 100}
}

func TestEndToEndSale(t *testing.T) {
	h := newHarness(t, generous())

	rec := h.do(t, h.seller, "/api/v1/listings/1", "list-1", map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	owner, err := h.registry.OwnerOf(context.Background(), h.assetID)
	require.NoError(t, err)
	assert.Equal(t, h.custody, owner)

	rec = h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, h.lender, "/api/v1/funds", "fund-1", map[string]string{"amount": "80"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, h.seller, "/api/v1/listings/1/finalize", "fin-early", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(escrow.ConditionInspection), decodeError(t, rec).Condition)

	rec = h.do(t, h.inspector, "/api/v1/listings/1/inspection", "insp-1", map[string]bool{"passed": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i, key := range []*ecdsa.PrivateKey{h.buyer, h.seller, h.lender} {
		rec = h.do(t, key, "/api/v1/listings/1/approvals", "approve-"+string(rune('a'+i)), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = h.do(t, h.seller, "/api/v1/listings/1/finalize", "fin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	owner, err = h.registry.OwnerOf(context.Background(), h.assetID)
	require.NoError(t, err)
	assert.Equal(t, addr(h.buyer), owner)
	assert.Equal(t, uint64(100), h.vault.BalanceOf(addr(h.seller)).Uint64())
	assert.True(t, h.engine.Balance().IsZero())
	assert.False(t, h.engine.IsListed(h.assetID))

	rec = h.get(t, "/api/v1/listings/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		TokenURI string         `json:"tokenUri"`
		Owner    common.Address `json:"owner"`
		Listing  escrow.Listing `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "ipfs://home/1.json", view.TokenURI)
	assert.Equal(t, addr(h.buyer), view.Owner)
	assert.False(t, view.Listing.IsListed)
	assert.True(t, view.Listing.Approved(addr(h.lender)))
}

func TestMutationReplay(t *testing.T) {
	h := newHarness(t, generous())
	rec := h.do(t, h.seller, "/api/v1/listings/1", "list-1", map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	first := h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "20"})
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "20"})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, uint64(20), h.engine.Balance().Uint64(), "replay must not deposit twice")

	reused := h.do(t, h.buyer, "/api/v1/listings/1/approvals", "dep-1", nil)
	assert.Equal(t, http.StatusConflict, reused.Code)
}

func TestMutationRejectsKeyInFlight(t *testing.T) {
	h := newHarness(t, generous())
	rec := h.do(t, h.seller, "/api/v1/listings/1", "list-1", map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	key := idempotency.Key(addr(h.buyer), "dep-1")
	require.True(t, h.srv.reserve(key))

	busy := h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "20"})
	assert.Equal(t, http.StatusConflict, busy.Code)
	assert.Equal(t, "idempotency_key_in_flight", decodeError(t, busy).Code)
	assert.True(t, h.engine.Balance().IsZero())

	other := h.do(t, h.lender, "/api/v1/funds", "dep-1", map[string]string{"amount": "5"})
	assert.Equal(t, http.StatusOK, other.Code, "keys are scoped per caller")

	h.srv.release(key)
	done := h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "20"})
	assert.Equal(t, http.StatusOK, done.Code)
	assert.Equal(t, uint64(25), h.engine.Balance().Uint64())
}

func TestConcurrentMutationsShareOneExecution(t *testing.T) {
	h := newHarness(t, generous())
	rec := h.do(t, h.seller, "/api/v1/listings/1", "list-1", map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(`{"amount":"20"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/listings/1/deposits", bytes.NewReader(payload))
			if err := sigauth.SignRequest(req, h.buyer, time.Now()); err != nil {
				return
			}
			req.Header.Set("X-Idempotency-Key", "dep-race")
			out := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(out, req)
			codes[i] = out.Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, code)
	}
	assert.Equal(t, uint64(20), h.engine.Balance().Uint64())
	assert.Equal(t, uint64(980), h.vault.BalanceOf(addr(h.buyer)).Uint64())
}

func TestMutationErrors(t *testing.T) {
	h := newHarness(t, generous())
	listBody := map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	}

	rec := h.do(t, nil, "/api/v1/listings/1", "k", listBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, h.seller, "/api/v1/listings/1", "", listBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/listings/1", "list-as-buyer", listBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)
	assert.False(t, h.engine.IsListed(h.assetID))

	rec = h.do(t, h.seller, "/api/v1/listings/0", "list-zero", listBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-unlisted", map[string]string{"amount": "20"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, h.seller, "/api/v1/listings/1", "list-1", listBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-low", map[string]string{"amount": "19"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.True(t, h.engine.Balance().IsZero())

	rec = h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-bad", map[string]string{"amount": "lots"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/listings/1/finalize", "fin-buyer", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, h.lender, "/api/v1/listings/1/inspection", "insp-lender", map[string]bool{"passed": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelRefundsBuyer(t *testing.T) {
	h := newHarness(t, generous())
	rec := h.do(t, h.seller, "/api/v1/listings/1", "list-1", map[string]string{
		"buyer":         addr(h.buyer).Hex(),
		"purchasePrice": "100",
		"escrowAmount":  "20",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, h.buyer, "/api/v1/listings/1/deposits", "dep-1", map[string]string{"amount": "25"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/listings/1/cancel", "cancel-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, uint64(1_000), h.vault.BalanceOf(addr(h.buyer)).Uint64())
	owner, err := h.registry.OwnerOf(context.Background(), h.assetID)
	require.NoError(t, err)
	assert.Equal(t, addr(h.seller), owner)
}

func TestReadEndpoints(t *testing.T) {
	h := newHarness(t, generous())

	rec := h.get(t, "/api/v1/escrow")
	require.Equal(t, http.StatusOK, rec.Code)
	var esc escrowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &esc))
	assert.Equal(t, h.custody, esc.Address)
	assert.Equal(t, addr(h.inspector), esc.Inspector)
	assert.Equal(t, int64(31337), esc.ChainID)

	rec = h.get(t, "/api/v1/listings")
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		TotalSupply uint64 `json:"totalSupply"`
		Listings    []struct {
			AssetID escrow.AssetID  `json:"assetId"`
			Listing *escrow.Listing `json:"listing"`
		} `json:"listings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, uint64(1), all.TotalSupply)
	require.Len(t, all.Listings, 1)
	assert.Nil(t, all.Listings[0].Listing)

	rec = h.get(t, "/api/v1/listings/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.get(t, "/api/v1/listings/1/approvals/"+addr(h.lender).Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"approved":false`)

	rec = h.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = h.get(t, "/api/v1/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "homeescrow_active_listings")
}

func TestHealthDegradesOnStateFailure(t *testing.T) {
	h := newHarness(t, generous())
	h.srv.SetStateCheck(func(context.Context) error { return assert.AnError })

	rec := h.get(t, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, config.RateLimit{RequestsPerMinute: 1, Burst: 1})

	rec := h.do(t, h.lender, "/api/v1/funds", "fund-1", map[string]string{"amount": "1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, h.lender, "/api/v1/funds", "fund-2", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.do(t, h.buyer, "/api/v1/funds", "fund-3", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusOK, rec.Code, "limits are tracked per caller")
}
