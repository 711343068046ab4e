package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"homeescrow/internal/escrow"
	"homeescrow/internal/idempotency"
	"homeescrow/internal/sigauth"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplay         = "Idempotent-Replay"

	// maxEnumerated bounds the registry scan behind GET /listings.
	maxEnumerated = 1000
)

type operation func(r *http.Request, caller common.Address) (any, error)

type listRequest struct {
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type inspectionRequest struct {
	Passed *bool `json:"passed"`
}

type listingResponse struct {
	AssetID  escrow.AssetID  `json:"assetId"`
	Listing  *escrow.Listing `json:"listing"`
	TokenURI string          `json:"tokenUri,omitempty"`
	Owner    *common.Address `json:"owner,omitempty"`
	Balance  string          `json:"balance"`
}

type escrowResponse struct {
	Address   common.Address `json:"address"`
	Registry  common.Address `json:"registry"`
	ChainID   int64          `json:"chainId"`
	Seller    common.Address `json:"seller"`
	Inspector common.Address `json:"inspector"`
	Lender    common.Address `json:"lender"`
	Balance   string         `json:"balance"`
}

// mutation wraps a signed engine operation with caller-scoped replay. Only
// successful responses are stored, so a failed request may be retried under
// the same key.
func (s *Server) mutation(op string, run operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, ok := sigauth.CallerFrom(ctx)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Unauthenticated", "request is not signed")
			return
		}

		clientKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if clientKey == "" {
			s.metrics.incRejected("idempotency_key")
			writeError(w, http.StatusBadRequest, "missing_idempotency_key", "Missing Idempotency Key", "missing "+headerIdempotencyKey+" header")
			return
		}
		key := idempotency.Key(caller, clientKey)
		if !s.reserve(key) {
			s.metrics.incRejected("idempotency_in_flight")
			writeError(w, http.StatusConflict, "idempotency_key_in_flight", "Idempotency Key In Flight",
				"a request with this key is still being processed")
			return
		}
		defer s.release(key)

		existing, err := s.replays.Get(ctx, key)
		if err != nil {
			s.log.WithError(err).WithField("operation", op).Warn("replay lookup failed")
		}
		if existing != nil {
			if existing.Operation != op {
				writeError(w, http.StatusConflict, "idempotency_key_reused", "Idempotency Key Reused",
					fmt.Sprintf("key was used for %q", existing.Operation))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplay, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.incReplay(op)
			return
		}

		result, err := run(r, caller)
		if err != nil {
			status, body := classify(err)
			s.metrics.incOperation(op, body.Code)
			entry := s.log.WithFields(logrus.Fields{
				"operation": op,
				"caller":    caller.Hex(),
				"status":    status,
			}).WithError(err)
			if status >= http.StatusInternalServerError {
				entry.Error("operation failed")
			} else {
				entry.Info("operation rejected")
			}
			writeJSON(w, status, body)
			return
		}

		b, err := json.Marshal(result)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "Internal Error", err.Error())
			return
		}

		now := time.Now()
		record := idempotency.Record{
			Caller:     caller,
			Operation:  op,
			StatusCode: http.StatusOK,
			Response:   b,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.replays.Save(ctx, key, record); err != nil {
			s.log.WithError(err).WithField("operation", op).Warn("replay save failed")
		}

		s.metrics.incOperation(op, "ok")
		s.refreshGauges()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// reserve claims key for one in-flight request. The claim is held until the
// response, including its replay record, has been written.
func (s *Server) reserve(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}

func (s *Server) list(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	var req listRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.Buyer) {
		return nil, badRequest("buyer must be an address")
	}
	price, err := escrow.ParseAmount(req.PurchasePrice)
	if err != nil {
		return nil, err
	}
	amount, err := escrow.ParseAmount(req.EscrowAmount)
	if err != nil {
		return nil, err
	}
	if err := s.engine.List(r.Context(), caller, id, common.HexToAddress(req.Buyer), price, amount); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) deposit(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmount(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.DepositEarnest(r.Context(), caller, id, amount); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) inspect(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	var req inspectionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Passed == nil {
		return nil, badRequest("passed is required")
	}
	if err := s.engine.UpdateInspectionStatus(r.Context(), caller, id, *req.Passed); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) approve(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.ApproveSale(r.Context(), caller, id); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) finalize(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.FinalizeSale(r.Context(), caller, id); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) cancel(r *http.Request, caller common.Address) (any, error) {
	id, err := assetIDParam(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CancelSale(r.Context(), caller, id); err != nil {
		return nil, err
	}
	return s.listingView(r.Context(), id), nil
}

func (s *Server) fund(r *http.Request, caller common.Address) (any, error) {
	amount, err := decodeAmount(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Fund(r.Context(), caller, amount); err != nil {
		return nil, err
	}
	return s.escrowView(), nil
}

func (s *Server) handleEscrow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.escrowView())
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids := make(map[escrow.AssetID]struct{})
	for _, l := range s.engine.Listings() {
		ids[l.AssetID] = struct{}{}
	}

	var supply uint64
	if s.catalog != nil {
		total, err := s.catalog.TotalSupply(ctx)
		if err != nil {
			s.log.WithError(err).Warn("registry total supply unavailable")
		}
		supply = total
		for i := uint64(1); i <= total && i <= maxEnumerated; i++ {
			ids[escrow.AssetID(i)] = struct{}{}
		}
	}

	ordered := make([]escrow.AssetID, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make([]listingResponse, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, s.listingView(ctx, id))
	}
	writeJSON(w, http.StatusOK, struct {
		TotalSupply uint64            `json:"totalSupply"`
		Listings    []listingResponse `json:"listings"`
	}{TotalSupply: supply, Listings: out})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		status, body := classify(err)
		writeJSON(w, status, body)
		return
	}
	view := s.listingView(r.Context(), id)
	if view.Listing == nil && view.Owner == nil {
		writeError(w, http.StatusNotFound, "not_found", "Asset Not Found", fmt.Sprintf("asset %d is unknown", id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		status, body := classify(err)
		writeJSON(w, status, body)
		return
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid Request", "address is not valid")
		return
	}
	addr := common.HexToAddress(raw)
	writeJSON(w, http.StatusOK, struct {
		AssetID  escrow.AssetID `json:"assetId"`
		Address  common.Address `json:"address"`
		Approved bool           `json:"approved"`
	}{AssetID: id, Address: addr, Approved: s.engine.Approval(id, addr)})
}

func (s *Server) listingView(ctx context.Context, id escrow.AssetID) listingResponse {
	view := listingResponse{
		AssetID: id,
		Balance: escrow.FormatAmount(s.engine.Balance()),
	}
	if l, ok := s.engine.Listing(id); ok {
		view.Listing = l
	}
	if s.catalog == nil {
		return view
	}
	if owner, err := s.catalog.OwnerOf(ctx, id); err == nil {
		view.Owner = &owner
		if uri, err := s.catalog.TokenURI(ctx, id); err == nil {
			view.TokenURI = uri
		}
	}
	return view
}

func (s *Server) escrowView() escrowResponse {
	roles := s.engine.Roles()
	return escrowResponse{
		Address:   s.engine.Address(),
		Registry:  s.engine.RegistryAddress(),
		ChainID:   s.cfg.Deployment.ChainID,
		Seller:    roles.Seller,
		Inspector: roles.Inspector,
		Lender:    roles.Lender,
		Balance:   escrow.FormatAmount(s.engine.Balance()),
	}
}

func assetIDParam(r *http.Request) (escrow.AssetID, error) {
	raw := chi.URLParam(r, "assetID")
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", escrow.ErrInvalidAsset, raw)
	}
	return escrow.AssetID(v), nil
}

func decodeAmount(r *http.Request) (*uint256.Int, error) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Amount == "" {
		return nil, badRequest("amount is required")
	}
	return escrow.ParseAmount(req.Amount)
}
