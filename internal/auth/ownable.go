// Package auth implements ownership of the diamond registry and the request
// signatures that prove who is calling.
//
// The registry has at most one owner account. Only the owner may submit
// cuts or hand ownership over; once renounced, the registry is frozen for
// good. Requests prove their caller with a Neo key signature: the caller is
// the script hash of the signing key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/storage"
)

var (
	// ErrCallerIsNotOwner is returned when a non-owner tries an owner-only
	// operation.
	ErrCallerIsNotOwner = errors.New("auth: caller is not the owner")

	// ErrNewOwnerIsZero is returned when ownership would pass to the zero
	// account. Use RenounceOwnership instead.
	ErrNewOwnerIsZero = errors.New("auth: new owner is the zero account")
)

// OwnerStore persists the owner.
type OwnerStore interface {
	SaveOwner(ctx context.Context, rec storage.OwnerRecord) error
}

// Ownable holds the registry owner. It implements diamond.Authorizer.
type Ownable struct {
	mu     sync.RWMutex
	owner  *util.Uint160
	store  OwnerStore
	events events.EventLogger
	log    *logging.Logger
}

var _ diamond.Authorizer = (*Ownable)(nil)

// NewOwnable creates an Ownable with the given owner; nil means no owner.
// store and ev may be nil.
func NewOwnable(owner *util.Uint160, store OwnerStore, ev events.EventLogger) *Ownable {
	if ev == nil {
		ev = events.NoOpLogger{}
	}
	o := &Ownable{store: store, events: ev, log: logging.NewDefault("auth")}
	if owner != nil {
		cp := *owner
		o.owner = &cp
	}
	return o
}

// SetLogger replaces the structured logger.
func (o *Ownable) SetLogger(l *logging.Logger) {
	o.log = l
}

// Owner returns the current owner, or false when there is none.
func (o *Ownable) Owner() (util.Uint160, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.owner == nil {
		return util.Uint160{}, false
	}
	return *o.owner, true
}

// Authorize implements diamond.Authorizer.
func (o *Ownable) Authorize(caller util.Uint160) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner != nil && *o.owner == caller
}

// TransferOwnership hands ownership from caller to newOwner.
func (o *Ownable) TransferOwnership(ctx context.Context, caller, newOwner util.Uint160) error {
	if newOwner.Equals(util.Uint160{}) {
		return ErrNewOwnerIsZero
	}
	return o.setOwner(ctx, caller, &newOwner)
}

// RenounceOwnership leaves the registry without an owner. No further cuts
// can be applied afterwards.
func (o *Ownable) RenounceOwnership(ctx context.Context, caller util.Uint160) error {
	return o.setOwner(ctx, caller, nil)
}

func (o *Ownable) setOwner(ctx context.Context, caller util.Uint160, next *util.Uint160) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owner == nil || *o.owner != caller {
		o.log.WithField("caller", FormatAccount(caller)).Warn("ownership change rejected")
		return ErrCallerIsNotOwner
	}
	if o.store != nil {
		if err := o.store.SaveOwner(ctx, storage.OwnerRecord{Owner: next}); err != nil {
			return fmt.Errorf("auth: persist owner: %w", err)
		}
	}
	prev := *o.owner
	o.owner = next

	b := events.NewEvent(events.EventOwnershipTransferred).
		Caller(caller).
		Metadata("previous_owner", FormatAccount(prev))
	if next != nil {
		b.Metadata("new_owner", FormatAccount(*next)).Message("ownership transferred")
	} else {
		b.Message("ownership renounced")
	}
	b.LogToWithContext(ctx, o.events)

	entry := o.log.WithField("previous_owner", FormatAccount(prev))
	if next != nil {
		entry.WithField("new_owner", FormatAccount(*next)).Info("ownership transferred")
	} else {
		entry.Info("ownership renounced")
	}
	return nil
}

// ParseAccount accepts a Neo address or a 0x-prefixed little-endian script
// hash.
func ParseAccount(s string) (util.Uint160, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		return diamond.ParseModuleID(s)
	}
	u, err := address.StringToUint160(s)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("account %q: %w", s, err)
	}
	return u, nil
}

// FormatAccount renders an account as a Neo address.
func FormatAccount(u util.Uint160) string {
	return address.Uint160ToString(u)
}
