package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inferd/internal/metering"
)

// Authenticator resolves raw keys into records and enforces expiry, IP
// restrictions, daily refills and rate limits.
//
// Records are loaded from the Store once and then kept live for the life of
// the process, so every turn on a key debits the same balance. An
// Authenticator must not be copied after first use.
type Authenticator struct {
	Store      Store
	Limiter    Limiter
	DefaultRPM int
	Now        func() time.Time

	mu   sync.Mutex
	live map[string]*liveKey
}

// liveKey is the shared in-memory record of one key. mu guards every field
// of rec that changes while serving.
type liveKey struct {
	mu  sync.Mutex
	rec *APIKey
}

// Resolve loads the record for key as seen from remote ip. Concurrent calls
// for the same key return the same record.
func (a *Authenticator) Resolve(ctx context.Context, key, ip string) (*APIKey, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	lk, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}

	lk.mu.Lock()
	k := lk.rec
	if k.Expired(now) {
		lk.mu.Unlock()
		return nil, ErrKeyExpired
	}
	if !k.IPAllowed(ip) {
		lk.mu.Unlock()
		return nil, ErrIPNotAllowed
	}
	if k.ApplyDailyReset(now) {
		snap := *k
		if err := a.Store.Save(ctx, &snap); err != nil {
			lk.mu.Unlock()
			return nil, fmt.Errorf("keys: persist daily reset: %w", err)
		}
	}
	limit := a.DefaultRPM
	if k.RateLimitPerMinute > 0 {
		limit = k.RateLimitPerMinute
	}
	lk.mu.Unlock()

	if a.Limiter != nil {
		ok, err := a.Limiter.Allow(ctx, k.Key, limit)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRateLimited
		}
	}
	return k, nil
}

// lookup returns the live record for key, loading it on first use.
func (a *Authenticator) lookup(ctx context.Context, key string) (*liveKey, error) {
	id := keyID(key)
	a.mu.Lock()
	lk, ok := a.live[id]
	a.mu.Unlock()
	if ok {
		return lk, nil
	}

	k, err := a.Store.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	return a.adopt(k), nil
}

// adopt registers k as the live record unless another caller got there
// first, in which case the existing record wins.
func (a *Authenticator) adopt(k *APIKey) *liveKey {
	id := keyID(k.Key)
	a.mu.Lock()
	defer a.mu.Unlock()
	if lk, ok := a.live[id]; ok {
		return lk
	}
	if a.live == nil {
		a.live = make(map[string]*liveKey)
	}
	lk := &liveKey{rec: k}
	a.live[id] = lk
	return lk
}

// Debit takes amount from the live balance of k and returns what is left.
// The check and the update happen under the key's lock, so concurrent turns
// can never overdraw it together.
func (a *Authenticator) Debit(k *APIKey, amount float64) (float64, error) {
	lk := a.adopt(k)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	bal, err := metering.Debit(lk.rec.Tokens, amount)
	if err != nil {
		return bal, err
	}
	lk.rec.Tokens = bal
	return bal, nil
}

// Save persists a snapshot of the live record. Saves of one key are
// serialised so an older balance never overwrites a newer one.
func (a *Authenticator) Save(ctx context.Context, k *APIKey) error {
	if k == nil {
		return nil
	}
	lk := a.adopt(k)
	lk.mu.Lock()
	defer lk.mu.Unlock()
	snap := *lk.rec
	return a.Store.Save(ctx, &snap)
}
