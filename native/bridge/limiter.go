package bridge

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

type direction uint8

const (
	outbound direction = iota
	inbound
)

func (d direction) String() string {
	if d == inbound {
		return "inbound"
	}
	return "outbound"
}

func (d direction) describe(remote uint64) string {
	if d == inbound {
		return fmt.Sprintf("inbound lane from domain %d", remote)
	}
	return fmt.Sprintf("outbound lane to domain %d", remote)
}

type laneKey struct {
	domain uint64
	dir    direction
}

type laneEntry struct {
	cfg     RateLimit
	limiter *rate.Limiter
}

// laneLimiter keeps one token bucket per remote domain and direction. Buckets
// are rebuilt from the stored remote configuration whenever it changes.
type laneLimiter struct {
	mu    sync.Mutex
	lanes map[laneKey]*laneEntry
}

func newLaneLimiter() *laneLimiter {
	return &laneLimiter{lanes: make(map[laneKey]*laneEntry)}
}

func (l *laneLimiter) obtain(key laneKey, cfg RateLimit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.lanes[key]; ok && entry.cfg == cfg {
		return entry.limiter
	}
	burst := cfg.Capacity
	if burst > math.MaxInt32 {
		burst = math.MaxInt32
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RefillPerSecond)), int(burst))
	l.lanes[key] = &laneEntry{cfg: cfg, limiter: limiter}
	return limiter
}

func (l *laneLimiter) forget(domain uint64) {
	l.mu.Lock()
	delete(l.lanes, laneKey{domain: domain, dir: outbound})
	delete(l.lanes, laneKey{domain: domain, dir: inbound})
	l.mu.Unlock()
}

// allow consumes the whole-unit cost of amount from the lane bucket. Partial
// units round up so dust transfers are still counted.
func (l *laneLimiter) allow(domain uint64, dir direction, cfg RateLimit, amount *uint256.Int, now time.Time) error {
	if !cfg.Enabled {
		return nil
	}
	cost := wholeUnits(amount)
	limiter := l.obtain(laneKey{domain: domain, dir: dir}, cfg)
	if cost > uint64(limiter.Burst()) {
		return fmt.Errorf("%w: %s", ErrExceedsLaneCapacity, dir.describe(domain))
	}
	if !limiter.AllowN(now, int(cost)) {
		return fmt.Errorf("%w: %s", ErrRateLimited, dir.describe(domain))
	}
	return nil
}

var unit = uint256.NewInt(1_000_000_000_000_000_000)

func wholeUnits(amount *uint256.Int) uint64 {
	if amount == nil || amount.IsZero() {
		return 0
	}
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(amount, unit, rem)
	if !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	if !quo.IsUint64() {
		return math.MaxUint64
	}
	return quo.Uint64()
}
