package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Broker hands out access tokens that stay valid for at least the refresh
// margin, refreshing through a single in-flight call shared by all callers.
type Broker struct {
	store          *Store
	refresher      Refresher
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	group singleflight.Group

	needsConsent atomic.Bool
	refreshes    atomic.Int64
	failures     atomic.Int64
	lastRefresh  atomic.Pointer[time.Time]
}

// BrokerOption customizes a Broker
type BrokerOption func(*Broker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a broker over store
func NewBroker(store *Store, refresher Refresher, margin, refreshTimeout time.Duration, logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if refreshTimeout <= 0 {
		refreshTimeout = 20 * time.Second
	}
	b := &Broker{
		store:          store,
		refresher:      refresher,
		margin:         margin,
		refreshTimeout: refreshTimeout,
		now:            time.Now,
		logger:         logger.With("component", "auth_broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// GetValidToken returns a credential with now+margin < expiry, refreshing
// first when needed
func (b *Broker) GetValidToken(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkConsent(); err != nil {
		return nil, err
	}

	if cred := b.store.Current(); cred.ValidAt(b.now(), b.margin) {
		return cred, nil
	}
	return b.refresh(ctx, false)
}

// ForceRefresh refreshes regardless of expiry, typically after the vendor
// rejected a token that looked valid. It joins a refresh already in flight.
func (b *Broker) ForceRefresh(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkConsent(); err != nil {
		return nil, err
	}
	return b.refresh(ctx, true)
}

// Healthy reports whether the broker can still obtain tokens without a
// human re-running consent
func (b *Broker) Healthy() bool {
	if !b.needsConsent.Load() {
		return true
	}
	return b.checkConsent() == nil
}

// Status is a health snapshot
type Status struct {
	Healthy     bool      `json:"healthy"`
	Expiry      time.Time `json:"expiry"`
	Refreshes   int64     `json:"refreshes"`
	Failures    int64     `json:"failures"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// Status reports broker health without exposing any token material
func (b *Broker) Status() Status {
	st := Status{
		Healthy:   b.Healthy(),
		Refreshes: b.refreshes.Load(),
		Failures:  b.failures.Load(),
	}
	if cred := b.store.Current(); cred != nil {
		st.Expiry = cred.Expiry
	}
	if t := b.lastRefresh.Load(); t != nil {
		st.LastRefresh = *t
	}
	return st
}

// Refreshes counts refresh calls made to the provider
func (b *Broker) Refreshes() int64 { return b.refreshes.Load() }

// checkConsent fails fast while latched unhealthy, unless the token file
// was replaced by a new consent in the meantime
func (b *Broker) checkConsent() error {
	if !b.needsConsent.Load() {
		return nil
	}
	changed, err := b.store.ReloadIfChanged()
	if err != nil || !changed {
		return ErrReconsentRequired
	}
	b.needsConsent.Store(false)
	b.logger.Info("new consent detected, broker healthy again")
	return nil
}

func (b *Broker) refresh(ctx context.Context, force bool) (*Credential, error) {
	ch := b.group.DoChan(refreshKey, func() (any, error) {
		return b.doRefresh(ctx, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

// doRefresh runs once per in-flight group. It is detached from the
// starting caller's cancellation so other waiters still get a result.
func (b *Broker) doRefresh(parent context.Context, force bool) (*Credential, error) {
	current := b.store.Current()
	if !force && current.ValidAt(b.now(), b.margin) {
		return current, nil
	}
	if b.needsConsent.Load() {
		return nil, ErrReconsentRequired
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.refreshTimeout)
	defer cancel()

	b.refreshes.Add(1)
	start := time.Now()
	next, err := b.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		b.failures.Add(1)
		if errors.Is(err, ErrReconsentRequired) {
			b.needsConsent.Store(true)
			b.logger.Error("refresh token rejected, re-consent required", "error", err)
			return nil, err
		}
		b.logger.Warn("token refresh failed", "error", err, "elapsed", time.Since(start))
		if !errors.Is(err, ErrRefreshFailed) {
			err = errors.Join(ErrRefreshFailed, err)
		}
		return nil, err
	}

	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = current.Scopes
	}
	rotated := next.RefreshToken != current.RefreshToken

	if err := b.store.Replace(next); err != nil {
		b.logger.Error("refreshed credential not persisted", "error", err)
	}
	now := b.now()
	b.lastRefresh.Store(&now)

	b.logger.Info("token refreshed", "expiry", next.Expiry, "rotated", rotated, "forced", force, "elapsed", time.Since(start))
	if !next.ValidAt(now, b.margin) {
		return nil, fmt.Errorf("%w: new token expires at %s, inside the refresh margin", ErrRefreshFailed, next.Expiry)
	}
	return next, nil
}
