package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable side of the ledger. Apply must add the usage to the
// stored entry as a single unit.
type Store interface {
	Load(ctx context.Context, key Key) (*Entry, error)
	Apply(ctx context.Context, key Key, usage Usage) error
}

var ErrDuplicate = errors.New("transaction already recorded")

// ErrNotPersisted is returned by Record when the usage is applied in memory
// but the durable write failed.
type ErrNotPersisted struct {
	Key Key
	Err error
}

func (e *ErrNotPersisted) Error() string {
	return fmt.Sprintf("ledger: persist %s: %s", e.Key, e.Err)
}

func (e *ErrNotPersisted) Unwrap() error { return e.Err }

// DefaultWriteTimeout bounds a single store write. The write is detached from
// the caller's context so a dropped client does not abort it.
const DefaultWriteTimeout = 10 * time.Second

// Ledger caches entries in memory in front of a Store. Writers of the same key
// are serialized; readers get copies and never wait on a writer of another key.
//
// The ledger assumes it is the only writer of its store. With a cache TTL set,
// entries are re-read from the store once they are older than the TTL, which
// bounds how stale another writer's spend can be but does not make quota
// checks atomic across processes.
type Ledger struct {
	store        Store
	now          func() time.Time
	cacheTTL     time.Duration
	writeTimeout time.Duration

	mu      sync.RWMutex
	entries map[Key]*slot

	locks sync.Map // Key -> *sync.Mutex
}

// slot is replaced as a whole, never mutated after set.
type slot struct {
	entry    *Entry // nil: known to be absent from the store
	loadedAt time.Time
	pending  map[string]Usage // by usage id, applied in memory but not stored
}

type Option func(*Ledger)

// WithCacheTTL makes the ledger reload an entry from the store once it was
// loaded longer than d ago. Entries with unstored usages are kept.
func WithCacheTTL(d time.Duration) Option {
	return func(l *Ledger) { l.cacheTTL = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

func New(store Store, now func() time.Time, opts ...Option) *Ledger {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{store: store, now: now, writeTimeout: DefaultWriteTimeout, entries: make(map[Key]*slot)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) keyLock(key Key) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(key, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

func (l *Ledger) cached(key Key) (*slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if l.cacheTTL > 0 && len(s.pending) == 0 && l.now().Sub(s.loadedAt) >= l.cacheTTL {
		return nil, false
	}
	return s, true
}

func (l *Ledger) set(key Key, s *slot) {
	l.mu.Lock()
	l.entries[key] = s
	l.mu.Unlock()
}

// load must be called with the key lock held.
func (l *Ledger) load(ctx context.Context, key Key) (*slot, error) {
	if s, ok := l.cached(key); ok {
		return s, nil
	}
	e, err := l.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger: load %s: %w", key, err)
	}
	s := &slot{entry: e, loadedAt: l.now()}
	l.set(key, s)
	return s, nil
}

// Snapshot returns a copy of the entry, or nil when nothing was recorded yet.
func (l *Ledger) Snapshot(ctx context.Context, key Key) (*Entry, error) {
	if s, ok := l.cached(key); ok {
		return s.entry.Clone(), nil
	}
	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	s, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.entry.Clone(), nil
}

// persist writes usage to the store under its own deadline.
func (l *Ledger) persist(ctx context.Context, key Key, usage Usage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()
	return l.store.Apply(ctx, key, usage)
}

// retry writes the unstored usages again and returns the ones still failing
// with the last error seen. Must be called with the key lock held.
func (l *Ledger) retry(ctx context.Context, key Key, pending map[string]Usage) (map[string]Usage, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	var (
		remaining map[string]Usage
		lastErr   error
	)
	for id, usage := range pending {
		if err := l.persist(ctx, key, usage); err != nil {
			if remaining == nil {
				remaining = make(map[string]Usage)
			}
			remaining[id] = usage
			lastErr = err
		}
	}
	return remaining, lastErr
}

func hasHash(pending map[string]Usage, hash string) bool {
	if hash == "" {
		return false
	}
	for _, u := range pending {
		if u.Hash == hash {
			return true
		}
	}
	return false
}

// Record adds a confirmed transaction cost to the entry of key. The in-memory
// entry is replaced before the store write, so a failed write still leaves
// this process with the updated totals and an *ErrNotPersisted. Usages whose
// write failed are written again on the next Record of the same key. Recording
// such a hash again yields ErrDuplicate only once the usage is stored, and
// *ErrNotPersisted while the write keeps failing.
func (l *Ledger) Record(ctx context.Context, key Key, cost decimal.Decimal, txHash string) (*Entry, error) {
	if cost.IsNegative() {
		return nil, fmt.Errorf("ledger: negative cost %s", cost)
	}

	mu := l.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}

	pending, retryErr := l.retry(ctx, key, current.pending)

	next := current.entry.Clone()
	if next == nil {
		next = NewEntry()
	}
	usage := Usage{Id: uuid.NewString(), Hash: txHash, Cost: cost, At: l.now().UTC()}
	if !next.Apply(usage) {
		l.set(key, &slot{entry: current.entry, loadedAt: current.loadedAt, pending: pending})
		if hasHash(pending, txHash) {
			return current.entry.Clone(), &ErrNotPersisted{Key: key, Err: retryErr}
		}
		return current.entry.Clone(), ErrDuplicate
	}

	err = l.persist(ctx, key, usage)
	if err != nil {
		remaining := make(map[string]Usage, len(pending)+1)
		for id, u := range pending {
			remaining[id] = u
		}
		remaining[usage.Id] = usage
		pending = remaining
	}
	l.set(key, &slot{entry: next, loadedAt: current.loadedAt, pending: pending})
	if err != nil {
		return next.Clone(), &ErrNotPersisted{Key: key, Err: err}
	}
	return next.Clone(), nil
}

// Now is the clock the ledger stamps usages with.
func (l *Ledger) Now() time.Time { return l.now() }
