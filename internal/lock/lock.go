// Package lock provides the distributed mutual exclusion used to claim
// compile jobs across consumer replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

var (
	// ErrNotAcquired is returned when the lock could not be taken within the
	// configured number of attempts.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost is returned by Release when the lease had already expired
	// or was taken over.
	ErrLeaseLost = errors.New("lock lease lost before release")
)

// Locker acquires a named, leased, cross-process lock.
type Locker interface {
	// Acquire blocks, retrying with a fixed delay, until the lock is held,
	// the attempt budget is spent (ErrNotAcquired) or ctx is done.
	Acquire(ctx context.Context) (Held, error)
}

// Held is an acquired lock.
type Held interface {
	// Release gives the lock back. It is best effort: if it fails the lease
	// still expires on its own.
	Release(ctx context.Context) error
}

// mutex is the subset of *redsync.Mutex used here.
type mutex interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

// Options configures a RedisLocker.
type Options struct {
	// Name is the shared mutex name, fixed per consumer group.
	Name string
	// Lease is how long the lock is held before it expires on its own.
	Lease time.Duration
	// RetryDelay is the pause between attempts while the lock is busy.
	RetryDelay time.Duration
	// MaxAttempts bounds one Acquire call. Zero means unbounded.
	MaxAttempts int
	// DNSProbeAfter is the number of consecutive connectivity failures after
	// which the lock endpoints are DNS-probed. Zero disables probing.
	DNSProbeAfter int
	// ProbeHosts are probed in addition to the hosts of the lock endpoints.
	ProbeHosts []string
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

// RedisLocker implements Locker with the Redlock algorithm over one or more
// independent Redis endpoints; the lock is held once a quorum agrees.
type RedisLocker struct {
	opts    Options
	clients []*redis.Client
	newMu   func() mutex
	prober  *DNSProber
	logger  *slog.Logger
}

// NewRedisLocker creates a locker over the given clients, one per endpoint.
func NewRedisLocker(clients []*redis.Client, opts Options, logger *slog.Logger) (*RedisLocker, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one lock endpoint is required")
	}
	if opts.Name == "" {
		return nil, errors.New("lock name is required")
	}
	if opts.Lease <= 0 {
		return nil, errors.New("lock lease must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pools := make([]redsyncredis.Pool, 0, len(clients))
	hosts := make([]string, 0, len(clients)+len(opts.ProbeHosts))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
		hosts = append(hosts, hostOf(c.Options().Addr))
	}
	hosts = append(hosts, opts.ProbeHosts...)

	rs := redsync.New(pools...)
	l := &RedisLocker{
		opts:    opts,
		clients: clients,
		prober:  NewDNSProber(opts.Resolver, hosts, logger),
		logger:  logger,
	}
	l.newMu = func() mutex {
		// One try per call; the retry loop lives in Acquire so every
		// failure is classified and logged.
		return rs.NewMutex(opts.Name,
			redsync.WithExpiry(opts.Lease),
			redsync.WithTries(1),
		)
	}
	return l, nil
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context) (Held, error) {
	connFailures := 0
	for attempt := 1; ; attempt++ {
		m := l.newMu()
		err := m.LockContext(ctx)
		if err == nil {
			if attempt > 1 {
				l.logger.Debug("lock acquired after retries", "lock", l.opts.Name, "attempts", attempt)
			}
			return &held{mu: m, name: l.opts.Name}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if l.isBusy(ctx, err) {
			connFailures = 0
			l.logger.Debug("lock busy", "lock", l.opts.Name, "attempt", attempt)
		} else {
			connFailures++
			l.logger.Error("communicating with lock service failed",
				"lock", l.opts.Name,
				"attempt", attempt,
				"consecutive_failures", connFailures,
				"error", err,
			)
			if l.opts.DNSProbeAfter > 0 && connFailures%l.opts.DNSProbeAfter == 0 {
				l.prober.Probe(ctx)
			}
		}

		if l.opts.MaxAttempts > 0 && attempt >= l.opts.MaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrNotAcquired, l.opts.Name, attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.opts.RetryDelay):
		}
	}
}

// isBusy reports whether a failed attempt means another holder has the lock,
// as opposed to the lock service being unreachable.
func (l *RedisLocker) isBusy(ctx context.Context, err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	// Anything else is ambiguous; let the endpoints decide.
	pingCtx, cancel := context.WithTimeout(ctx, l.opts.Lease)
	defer cancel()
	reachable := 0
	for _, c := range l.clients {
		if c.Ping(pingCtx).Err() == nil {
			reachable++
		}
	}
	return reachable > len(l.clients)/2
}

type held struct {
	mu   mutex
	name string
}

func (h *held) Release(ctx context.Context) error {
	ok, err := h.mu.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", h.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, h.name)
	}
	return nil
}
