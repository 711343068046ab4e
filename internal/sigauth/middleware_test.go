package sigauth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestMiddleware_RecoversCaller(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/listings/1/approvals", strings.NewReader(`{"hello":"world"}`))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var got common.Address
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got != want {
		t.Fatalf("expected caller %s, got %s", want.Hex(), got.Hex())
	}
}

func TestMiddleware_RejectsTamperedBody(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, http.MethodPost, "/test", ts, []byte(`{"amount":"5"}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"amount":"500"}`))
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signedAt := time.Unix(1_700_000_000, 0)

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return signedAt.Add(5 * time.Minute) }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	if err := SignRequest(req, key, signedAt); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var gotErr error
	v.OnError = func(_ *http.Request, err error) { gotErr = err }
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if gotErr != ErrStaleTimestamp {
		t.Fatalf("expected stale timestamp, got %v", gotErr)
	}
}

func TestMiddleware_RejectsAddressMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(other.PublicKey).Hex())
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
