// Package passport implements the provenance certificate registry: one
// non-fungible machine passport minted per completed escrow, owned by the
// buyer and carrying a content reference to provenance metadata.
package passport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeline/core/events"
	"tradeline/core/types"
)

var (
	ErrUnauthorized  = errors.New("passport: unauthorized")
	ErrOwnerNotSet   = errors.New("passport: registry owner not set")
	ErrOwnerSet      = errors.New("passport: registry owner already set")
	ErrInvalidMint   = errors.New("passport: invalid mint")
	ErrTokenNotFound = errors.New("passport: token not found")

	errNilState = errors.New("passport registry: state not configured")
)

// Token is a single minted passport certificate.
type Token struct {
	ID         uint64
	Owner      [20]byte
	ContentRef string
	MintedAt   int64
}

// Clone returns a copy safe for callers to mutate.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// registryState is the persistence surface for the registry: the single owner
// slot, the token table, the mint counter, and per-address balances.
type registryState interface {
	PassportOwnerGet() ([20]byte, bool, error)
	PassportOwnerPut([20]byte) error
	PassportTokenPut(*Token) error
	PassportTokenGet(id uint64) (*Token, bool, error)
	PassportCountGet() (uint64, error)
	PassportCountPut(uint64) error
	PassportBalanceGet(addr [20]byte) (uint64, error)
	PassportBalancePut(addr [20]byte, balance uint64) error
}

// Registry gates certificate minting behind a single owner slot. The slot is
// seeded once at deployment and handed off exactly once to the escrow factory;
// any later takeover attempt is rejected.
type Registry struct {
	state   registryState
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(passportEvent{evt: event})
}

// InitializeOwner seeds the owner slot with the deployer identity. It fails
// once an owner exists so the slot cannot be re-seeded.
func (r *Registry) InitializeOwner(owner [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("%w: zero owner", ErrUnauthorized)
	}
	if _, ok, err := r.state.PassportOwnerGet(); err != nil {
		return err
	} else if ok {
		return ErrOwnerSet
	}
	return r.state.PassportOwnerPut(owner)
}

// TransferOwnership moves minting authority from the current owner to a new
// one. Only the current owner may call it, which makes the deployer-to-factory
// handoff a one-shot capability transfer.
func (r *Registry) TransferOwnership(caller, newOwner [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	owner, ok, err := r.state.PassportOwnerGet()
	if err != nil {
		return err
	}
	if !ok {
		return ErrOwnerNotSet
	}
	if caller != owner {
		return fmt.Errorf("%w: only current owner may transfer", ErrUnauthorized)
	}
	if newOwner == ([20]byte{}) {
		return fmt.Errorf("%w: zero owner", ErrUnauthorized)
	}
	if err := r.state.PassportOwnerPut(newOwner); err != nil {
		return err
	}
	r.emit(NewOwnerTransferredEvent(owner, newOwner))
	return nil
}

// Owner returns the current holder of minting authority.
func (r *Registry) Owner() ([20]byte, bool, error) {
	if r == nil || r.state == nil {
		return [20]byte{}, false, errNilState
	}
	return r.state.PassportOwnerGet()
}

// Mint issues the next certificate token to the recipient. Only the registry
// owner may mint.
func (r *Registry) Mint(caller [20]byte, to [20]byte, contentRef string) (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	owner, ok, err := r.state.PassportOwnerGet()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrOwnerNotSet
	}
	if caller != owner {
		return 0, ErrUnauthorized
	}
	if to == ([20]byte{}) {
		return 0, fmt.Errorf("%w: zero recipient", ErrInvalidMint)
	}
	trimmed := strings.TrimSpace(contentRef)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: content reference required", ErrInvalidMint)
	}
	count, err := r.state.PassportCountGet()
	if err != nil {
		return 0, err
	}
	token := &Token{
		ID:         count + 1,
		Owner:      to,
		ContentRef: trimmed,
		MintedAt:   r.nowFn(),
	}
	if err := r.state.PassportTokenPut(token); err != nil {
		return 0, err
	}
	if err := r.state.PassportCountPut(token.ID); err != nil {
		return 0, err
	}
	balance, err := r.state.PassportBalanceGet(to)
	if err != nil {
		return 0, err
	}
	if err := r.state.PassportBalancePut(to, balance+1); err != nil {
		return 0, err
	}
	r.emit(NewMintedEvent(token))
	return token.ID, nil
}

// BalanceOf returns how many certificates an address holds.
func (r *Registry) BalanceOf(addr [20]byte) (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.state.PassportBalanceGet(addr)
}

// Token returns the certificate with the supplied identifier.
func (r *Registry) Token(id uint64) (*Token, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	token, ok, err := r.state.PassportTokenGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTokenNotFound
	}
	return token, nil
}
