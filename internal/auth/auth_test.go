package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/storage"
)

type failingOwnerStore struct{}

func (failingOwnerStore) SaveOwner(context.Context, storage.OwnerRecord) error {
	return errors.New("db down")
}

func newOwnable(t *testing.T, owner *util.Uint160, store OwnerStore) (*Ownable, *events.RingBuffer) {
	t.Helper()
	rb := events.NewRingBuffer(10)
	o := NewOwnable(owner, store, rb)
	o.SetLogger(logging.NewDiscard())
	return o, rb
}

func TestOwnableAuthorize(t *testing.T) {
	admin := util.Uint160{0xAD}
	o, _ := newOwnable(t, &admin, nil)

	assert.True(t, o.Authorize(admin))
	assert.False(t, o.Authorize(util.Uint160{0x01}))

	owner, ok := o.Owner()
	assert.True(t, ok)
	assert.Equal(t, admin, owner)

	none, _ := newOwnable(t, nil, nil)
	assert.False(t, none.Authorize(util.Uint160{}))
}

func TestTransferOwnership(t *testing.T) {
	admin, next := util.Uint160{0xAD}, util.Uint160{0xBE}
	mem := storage.NewMemory()
	o, rb := newOwnable(t, &admin, mem)
	ctx := context.Background()

	assert.True(t, errors.Is(o.TransferOwnership(ctx, next, next), ErrCallerIsNotOwner))
	assert.True(t, errors.Is(o.TransferOwnership(ctx, admin, util.Uint160{}), ErrNewOwnerIsZero))

	require.NoError(t, o.TransferOwnership(ctx, admin, next))
	assert.False(t, o.Authorize(admin))
	assert.True(t, o.Authorize(next))

	rec, err := mem.LoadOwner(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, next, *rec.Owner)

	evts := rb.RecentByType(events.EventOwnershipTransferred, 10)
	require.Len(t, evts, 1)
	assert.Equal(t, FormatAccount(admin), evts[0].Metadata["previous_owner"])
	assert.Equal(t, FormatAccount(next), evts[0].Metadata["new_owner"])
}

func TestRenounceOwnership(t *testing.T) {
	admin := util.Uint160{0xAD}
	o, rb := newOwnable(t, &admin, nil)
	ctx := context.Background()

	require.NoError(t, o.RenounceOwnership(ctx, admin))
	_, ok := o.Owner()
	assert.False(t, ok)
	assert.False(t, o.Authorize(admin))
	assert.True(t, errors.Is(o.RenounceOwnership(ctx, admin), ErrCallerIsNotOwner))
	assert.Equal(t, 1, rb.Count())
}

func TestOwnerPersistFailureKeepsOwner(t *testing.T) {
	admin := util.Uint160{0xAD}
	o, rb := newOwnable(t, &admin, failingOwnerStore{})

	err := o.TransferOwnership(context.Background(), admin, util.Uint160{0xBE})
	require.Error(t, err)
	assert.True(t, o.Authorize(admin))
	assert.Equal(t, 0, rb.Count())
}

func TestParseAccount(t *testing.T) {
	acct := util.Uint160{1, 2, 3}

	got, err := ParseAccount(FormatAccount(acct))
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	got, err = ParseAccount("0x" + acct.StringLE())
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	_, err = ParseAccount("not-an-address")
	assert.Error(t, err)
}

func TestSignatures(t *testing.T) {
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	body := []byte(`{"cuts":[]}`)

	p := Sign(priv, "POST", "/v1/cut", time.Now(), body)
	caller, err := VerifyProof(p, "POST", "/v1/cut", body)
	require.NoError(t, err)
	assert.Equal(t, priv.GetScriptHash(), caller)

	_, err = VerifyProof(p, "POST", "/v1/cut", []byte(`{"cuts":[1]}`))
	assert.True(t, errors.Is(err, ErrBadSignature))

	_, err = VerifyProof(p, "POST", "/v1/owner/renounce", body)
	assert.True(t, errors.Is(err, ErrBadSignature))

	moved := p
	moved.Timestamp++
	_, err = VerifyProof(moved, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrBadSignature))

	renonced := p
	renonced.Nonce = "other"
	_, err = VerifyProof(renonced, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrBadSignature))

	badKey := p
	badKey.PublicKey = "02zz"
	_, err = VerifyProof(badKey, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrBadSignature))

	badSig := p
	badSig.Signature = "nothex"
	_, err = VerifyProof(badSig, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrBadSignature))

	req := httptest.NewRequest("POST", "/v1/cut", strings.NewReader(string(body)))
	_, err = ProofFromRequest(req)
	assert.True(t, errors.Is(err, ErrMissingSignature))

	v := NewVerifier(0)
	SignRequest(req, priv, body)
	caller, err = v.VerifyRequest(req, body)
	require.NoError(t, err)
	assert.Equal(t, priv.GetScriptHash(), caller)

	req.Header.Set(HeaderTimestamp, "soon")
	_, err = ProofFromRequest(req)
	assert.True(t, errors.Is(err, ErrBadSignature))
}

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(time.Minute)
	v.floor = now.Add(-time.Hour).UnixMilli()
	v.now = func() time.Time { return now }
	return v
}

func TestVerifierRejectsReplay(t *testing.T) {
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	now := time.Now()
	v := newTestVerifier(now)
	body := []byte(`{"cuts":[{"module":"0x01","selectors":[]}]}`)

	p := Sign(priv, "POST", "/v1/cut", now, body)
	_, err = v.Verify(p, "POST", "/v1/cut", body)
	require.NoError(t, err)

	_, err = v.Verify(p, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrReplayedSignature))

	upper := p
	upper.PublicKey = strings.ToUpper(p.PublicKey)
	_, err = v.Verify(upper, "POST", "/v1/cut", body)
	assert.True(t, errors.Is(err, ErrReplayedSignature))

	// Same request signed again gets a fresh nonce and is accepted.
	_, err = v.Verify(Sign(priv, "POST", "/v1/cut", now, body), "POST", "/v1/cut", body)
	assert.NoError(t, err)
}

func TestVerifierRejectsStale(t *testing.T) {
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	now := time.Now()
	v := newTestVerifier(now)
	body := []byte(`{}`)

	for name, at := range map[string]time.Time{
		"too old":       now.Add(-2 * time.Minute),
		"in the future": now.Add(2 * time.Minute),
	} {
		_, err := v.Verify(Sign(priv, "POST", "/v1/owner/renounce", at, body), "POST", "/v1/owner/renounce", body)
		assert.True(t, errors.Is(err, ErrStaleSignature), name)
	}

	// Signed before the verifier existed, e.g. captured before a restart.
	v.floor = now.UnixMilli()
	_, err = v.Verify(Sign(priv, "POST", "/v1/owner/renounce", now.Add(-time.Second), body), "POST", "/v1/owner/renounce", body)
	assert.True(t, errors.Is(err, ErrStaleSignature))
	assert.Empty(t, v.seen)
}

func TestVerifierPrunesExpiredProofs(t *testing.T) {
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)
	now := time.Now()
	v := newTestVerifier(now)
	body := []byte(`{}`)

	_, err = v.Verify(Sign(priv, "POST", "/v1/owner/renounce", now, body), "POST", "/v1/owner/renounce", body)
	require.NoError(t, err)
	require.Len(t, v.seen, 1)

	v.pruneLocked(now.Add(2 * time.Minute).UnixMilli())
	assert.Empty(t, v.seen)
}
