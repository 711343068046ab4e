package sigauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderAddress   = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrAddressMismatch  = errors.New("signature does not match caller address")
)

type callerKey struct{}

// Verifier recovers the caller identity from a secp256k1 signature over the
// request and stores it in the request context.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	OnError func(r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			if v.OnError != nil {
				v.OnError(r, err)
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(r.Method, r.URL.Path, tsHeader, body), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	caller := crypto.PubkeyToAddress(*pub)

	if claimed := r.Header.Get(HeaderAddress); claimed != "" {
		if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != caller {
			return common.Address{}, ErrAddressMismatch
		}
	}
	return caller, nil
}

// Digest is the EIP-191 text hash of keccak256(method, path, timestamp, body).
func Digest(method, path, timestamp string, body []byte) []byte {
	inner := crypto.Keccak256(
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		[]byte(timestamp),
		body,
	)
	return accounts.TextHash(inner)
}

// Sign produces the X-Request-Signature value for a request.
func Sign(key *ecdsa.PrivateKey, method, path, timestamp string, body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(method, path, timestamp, body), key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest sets the timestamp, address and signature headers on r.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, r.Method, r.URL.Path, ts, body)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderSignature, sig)
	return nil
}

// WithCaller returns ctx carrying the authenticated caller identity.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller identity, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
