package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Request headers carrying the caller's proof.
const (
	HeaderPublicKey = "X-Neo-PublicKey"
	HeaderSignature = "X-Neo-Signature"
	HeaderTimestamp = "X-Neo-Timestamp"
	HeaderNonce     = "X-Neo-Nonce"
)

const (
	// DefaultSignatureWindow is how far a proof's timestamp may drift from
	// the server clock.
	DefaultSignatureWindow = 5 * time.Minute

	maxSeenProofs = 1 << 16
)

var (
	// ErrMissingSignature is returned when a request carries no proof.
	ErrMissingSignature = errors.New("auth: missing request signature")

	// ErrBadSignature is returned when the proof does not verify.
	ErrBadSignature = errors.New("auth: invalid request signature")

	// ErrStaleSignature is returned when a proof's timestamp is outside the
	// accepted window or predates the verifier.
	ErrStaleSignature = errors.New("auth: stale request signature")

	// ErrReplayedSignature is returned when a proof has been accepted before.
	ErrReplayedSignature = errors.New("auth: replayed request signature")

	// ErrReplayCacheFull is returned when too many live proofs are tracked to
	// accept another one.
	ErrReplayCacheFull = errors.New("auth: too many signed requests in flight")
)

// Proof is the signature material of one request. The signature covers
// SignedMessage(method, path, Timestamp, Nonce, body).
type Proof struct {
	PublicKey string
	Signature string
	Timestamp int64 // unix milliseconds
	Nonce     string
}

// SignedMessage is the byte string a request proof signs.
func SignedMessage(method, path string, ts int64, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(nonce)+len(body)+24)
	msg = append(msg, method...)
	msg = append(msg, '\n')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, ts, 10)
	msg = append(msg, '\n')
	msg = append(msg, nonce...)
	msg = append(msg, '\n')
	return append(msg, body...)
}

// Sign produces a proof for a request signed at ts.
func Sign(priv *keys.PrivateKey, method, path string, ts time.Time, body []byte) Proof {
	p := Proof{
		PublicKey: priv.PublicKey().StringCompressed(),
		Timestamp: ts.UnixMilli(),
		Nonce:     uuid.NewString(),
	}
	p.Signature = hex.EncodeToString(priv.Sign(SignedMessage(method, path, p.Timestamp, p.Nonce, body)))
	return p
}

// SignRequest sets the proof headers of r for body, signed now.
func SignRequest(r *http.Request, priv *keys.PrivateKey, body []byte) {
	p := Sign(priv, r.Method, r.URL.Path, time.Now(), body)
	r.Header.Set(HeaderPublicKey, p.PublicKey)
	r.Header.Set(HeaderSignature, p.Signature)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(p.Timestamp, 10))
	r.Header.Set(HeaderNonce, p.Nonce)
}

// ProofFromRequest reads the proof headers of r.
func ProofFromRequest(r *http.Request) (Proof, error) {
	p := Proof{
		PublicKey: strings.TrimSpace(r.Header.Get(HeaderPublicKey)),
		Signature: strings.TrimSpace(r.Header.Get(HeaderSignature)),
		Nonce:     strings.TrimSpace(r.Header.Get(HeaderNonce)),
	}
	raw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if p.PublicKey == "" || p.Signature == "" || p.Nonce == "" || raw == "" {
		return Proof{}, ErrMissingSignature
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: timestamp: %v", ErrBadSignature, err)
	}
	p.Timestamp = ts
	return p, nil
}

// VerifyProof checks the signature of p over the request and returns the
// signing key's script hash. It does not check freshness.
func VerifyProof(p Proof, method, path string, body []byte) (util.Uint160, error) {
	pub, err := keys.NewPublicKeyFromString(p.PublicKey)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("%w: public key: %v", ErrBadSignature, err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return util.Uint160{}, fmt.Errorf("%w: signature encoding: %v", ErrBadSignature, err)
	}
	msg := SignedMessage(method, path, p.Timestamp, p.Nonce, body)
	if !pub.Verify(sig, hash.Sha256(msg).BytesBE()) {
		return util.Uint160{}, ErrBadSignature
	}
	return pub.GetScriptHash(), nil
}

// Verifier authenticates signed requests and accepts each proof once.
// Proofs signed before the verifier was created are rejected, so requests
// captured before a restart cannot be replayed after it.
type Verifier struct {
	mu     sync.Mutex
	window time.Duration
	floor  int64
	seen   map[util.Uint256]int64
	now    func() time.Time
}

// NewVerifier creates a Verifier accepting timestamps within window of the
// current time. A non-positive window means DefaultSignatureWindow.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	return &Verifier{
		window: window,
		floor:  time.Now().UnixMilli(),
		seen:   make(map[util.Uint256]int64),
		now:    time.Now,
	}
}

// VerifyRequest reads the proof headers of r, verifies them over body and
// records the proof as used.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) (util.Uint160, error) {
	p, err := ProofFromRequest(r)
	if err != nil {
		return util.Uint160{}, err
	}
	return v.Verify(p, r.Method, r.URL.Path, body)
}

// Verify checks p like VerifyProof, then rejects it when it is outside the
// window or was accepted before.
func (v *Verifier) Verify(p Proof, method, path string, body []byte) (util.Uint160, error) {
	caller, err := VerifyProof(p, method, path, body)
	if err != nil {
		return util.Uint160{}, err
	}

	now := v.now().UnixMilli()
	window := v.window.Milliseconds()
	if p.Timestamp < v.floor || p.Timestamp < now-window || p.Timestamp > now+window {
		return util.Uint160{}, ErrStaleSignature
	}

	// Keyed by signer and signed message, not by header text or signature
	// bytes, so a re-encoded key or a malleated signature is still a replay.
	key := hash.Sha256(append(caller.BytesBE(), SignedMessage(method, path, p.Timestamp, p.Nonce, body)...))

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return util.Uint160{}, ErrReplayedSignature
	}
	if len(v.seen) >= maxSeenProofs {
		v.pruneLocked(now)
		if len(v.seen) >= maxSeenProofs {
			return util.Uint160{}, ErrReplayCacheFull
		}
	}
	v.seen[key] = p.Timestamp + window
	return caller, nil
}

func (v *Verifier) pruneLocked(now int64) {
	for k, expiry := range v.seen {
		if expiry < now {
			delete(v.seen, k)
		}
	}
}
