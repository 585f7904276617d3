package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
)

// Keeper keeps timed locks alive while long jobs run by refreshing them
// periodically.
type Keeper struct {
	interval time.Duration

	mu     sync.Mutex
	leases map[string]*Lease
}

// KeeperOption configures a Keeper.
type KeeperOption func(*Keeper)

// WithRefreshInterval sets a fixed refresh period. By default a lease is
// refreshed every half of its lock timeout.
func WithRefreshInterval(d time.Duration) KeeperOption {
	return func(k *Keeper) {
		k.interval = d
	}
}

// NewKeeper returns a new Keeper.
func NewKeeper(opts ...KeeperOption) *Keeper {
	k := &Keeper{leases: make(map[string]*Lease)}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Lease is a timed lock being refreshed by a Keeper.
type Lease struct {
	id     string
	keeper *Keeper
	lock   *Lock
	args   []any
	expiry atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Start refreshes the lock for args once and then keeps refreshing it until
// the lease is stopped or ctx is done. The caller must already hold the
// lock. Untimed locks never expire and are refused with ErrUntimedLock.
func (k *Keeper) Start(ctx context.Context, l *Lock, args ...any) (*Lease, error) {
	if l.timeoutSeconds(args...) <= 0 {
		return nil, lockerrors.ErrUntimedLock
	}
	expiry, err := l.Refresh(ctx, args...)
	if err != nil {
		return nil, err
	}
	return k.start(ctx, l, expiry, args)
}

func (k *Keeper) start(ctx context.Context, l *Lock, expiry time.Time, args []any) (*Lease, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	le := &Lease{
		id:     id,
		keeper: k,
		lock:   l,
		args:   args,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	le.expiry.Store(expiry.Unix())

	interval := k.interval
	if interval <= 0 {
		interval = l.Timeout(args...) / 2
	}

	k.mu.Lock()
	k.leases[id] = le
	k.mu.Unlock()

	go le.run(ctx, interval)
	return le, nil
}

// Active returns the number of running leases.
func (k *Keeper) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.leases)
}

// StopAll stops every running lease.
func (k *Keeper) StopAll() {
	k.mu.Lock()
	leases := make([]*Lease, 0, len(k.leases))
	for _, le := range k.leases {
		leases = append(leases, le)
	}
	k.mu.Unlock()
	for _, le := range leases {
		le.Stop()
	}
}

func (le *Lease) run(ctx context.Context, interval time.Duration) {
	defer close(le.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expiry, err := le.lock.Refresh(ctx, le.args...)
			if err != nil {
				le.lock.logger.Warn("joblock: lock refresh failed", "job", le.lock.name, "lease", le.id, "error", err)
				continue
			}
			le.expiry.Store(expiry.Unix())
		case <-le.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ID returns the lease identifier.
func (le *Lease) ID() string { return le.id }

// Expiry returns the latest expiry written for the lock.
func (le *Lease) Expiry() time.Time { return time.Unix(le.expiry.Load(), 0) }

// Stop ends the refreshes and waits for an in-flight refresh to finish.
// It does not release the lock.
func (le *Lease) Stop() {
	le.stopOnce.Do(func() {
		close(le.stop)
		<-le.done
		le.keeper.mu.Lock()
		delete(le.keeper.leases, le.id)
		le.keeper.mu.Unlock()
	})
}
