// Package readmodel composes the externally visible (user, pool) view from
// the ledger and live chain reads.
//
// Stake and pending reward prefer chain values read within FreshFor. While a
// refresh is in flight readers get the last-known values (ledger stake and the
// previous pending-reward poll) marked Stale instead of blocking. The claim
// cooldown is always ledger-sourced.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/rewardpools/stake-engine/internal/chain"
	"github.com/rewardpools/stake-engine/internal/events"
	"github.com/rewardpools/stake-engine/internal/ledger"
	"github.com/rewardpools/stake-engine/internal/metrics"
	"github.com/rewardpools/stake-engine/internal/poolreader"
	"github.com/rewardpools/stake-engine/internal/staking"
	"github.com/rewardpools/stake-engine/internal/viewcache"
)

var ErrInvalidConfig = errors.New("readmodel: invalid config")

type Source string

const (
	SourceChain  Source = "chain"
	SourceLedger Source = "ledger"
)

type View struct {
	User common.Address
	Pool staking.PoolRef

	Stake       *big.Int
	StakeSource Source
	// PendingReward is nil until the first successful chain read.
	PendingReward *big.Int

	LastClaimAt   *time.Time
	CooldownUntil *time.Time

	// ReadAt is when the chain values were read; zero if never.
	ReadAt time.Time
	// Stale is set when a refresh was needed and the view carries last-known values.
	Stale bool
}

// CoolingDown reports whether a claim at now would fall inside the cooldown.
func (v View) CoolingDown(now time.Time) bool {
	return v.CooldownUntil != nil && now.Before(*v.CooldownUntil)
}

type Config struct {
	ChainID uint64

	// Cooldown is the pool's claim cooldown. Defaults to 24h.
	Cooldown time.Duration
	// FreshFor is how long a chain read satisfies GetView. Defaults to 5s.
	FreshFor time.Duration
	// PollInterval drives Observe. Defaults to 15s.
	PollInterval time.Duration
	// RefreshTimeout bounds one chain read. Defaults to 10s.
	RefreshTimeout time.Duration
	// FirstReadWait bounds how long GetView waits when no previous poll exists.
	// Defaults to 2s.
	FirstReadWait time.Duration

	Now func() time.Time
}

type Composer struct {
	cfg    Config
	reader *poolreader.Reader
	ledger ledger.Store
	cache  viewcache.Cache
	log    *slog.Logger

	metrics *metrics.Metrics

	group singleflight.Group

	mu          sync.Mutex
	invalidated map[staking.Pair]time.Time
	pollers     map[staking.Pair]*poller

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, client chain.Client, store ledger.Store, log *slog.Logger) (*Composer, error) {
	if client == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.FreshFor == 0 {
		cfg.FreshFor = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	if cfg.FirstReadWait == 0 {
		cfg.FirstReadWait = 2 * time.Second
	}
	if cfg.Cooldown < 0 || cfg.FreshFor < 0 || cfg.PollInterval < 0 || cfg.RefreshTimeout < 0 || cfg.FirstReadWait < 0 {
		return nil, fmt.Errorf("%w: durations must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reader, err := poolreader.New(client)
	if err != nil {
		return nil, err
	}
	cache, err := viewcache.New(viewcache.Config{Driver: viewcache.DriverMemory, Now: cfg.Now})
	if err != nil {
		return nil, err
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Composer{
		cfg:         cfg,
		reader:      reader,
		ledger:      store,
		cache:       cache,
		log:         log,
		invalidated: make(map[staking.Pair]time.Time),
		pollers:     make(map[staking.Pair]*poller),
		baseCtx:     baseCtx,
		stop:        stop,
	}, nil
}

// WithCache replaces the default in-process cache, e.g. with a shared redis cache.
func (c *Composer) WithCache(vc viewcache.Cache) *Composer {
	if vc != nil {
		c.cache = vc
	}
	return c
}

func (c *Composer) WithMetrics(m *metrics.Metrics) *Composer {
	c.metrics = m
	return c
}

// Close stops pollers and background refreshes. Observer channels are closed.
func (c *Composer) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Composer) pair(user common.Address, pool staking.PoolRef) (staking.Pair, error) {
	if user == (common.Address{}) || pool.IsZero() {
		return staking.Pair{}, fmt.Errorf("%w: missing user or pool", staking.ErrInvalidInput)
	}
	if pool.ChainID != c.cfg.ChainID {
		return staking.Pair{}, fmt.Errorf("%w: pool chain %d, engine chain %d", staking.ErrInvalidInput, pool.ChainID, c.cfg.ChainID)
	}
	return staking.Pair{User: user, Pool: pool}, nil
}

// GetView returns the current view. It only blocks for a chain read when no
// previous poll exists, and then at most FirstReadWait.
func (c *Composer) GetView(ctx context.Context, user common.Address, pool staking.PoolRef) (View, error) {
	pair, err := c.pair(user, pool)
	if err != nil {
		return View{}, err
	}

	entry, hit := c.cached(ctx, pair)
	if hit && c.fresh(pair, entry) {
		return c.compose(ctx, pair, &entry, false)
	}

	ch := c.refreshAsync(pair)
	if !hit {
		wait := time.NewTimer(c.cfg.FirstReadWait)
		defer wait.Stop()
		select {
		case r := <-ch:
			if r.Err == nil {
				return c.compose(ctx, pair, entryPtr(r.Val), false)
			}
		case <-wait.C:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
		return c.compose(ctx, pair, nil, true)
	}
	return c.compose(ctx, pair, &entry, true)
}

// Refresh reads the chain now and returns the resulting view.
func (c *Composer) Refresh(ctx context.Context, user common.Address, pool staking.PoolRef) (View, error) {
	pair, err := c.pair(user, pool)
	if err != nil {
		return View{}, err
	}
	select {
	case r := <-c.refreshAsync(pair):
		if r.Err != nil {
			return View{}, r.Err
		}
		return c.compose(ctx, pair, entryPtr(r.Val), false)
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Invalidate forces the next read of pair to go to the chain and starts that
// read immediately.
func (c *Composer) Invalidate(pair staking.Pair) {
	c.mu.Lock()
	c.invalidated[pair] = c.cfg.Now()
	p := c.pollers[pair]
	c.mu.Unlock()

	// A refresh that started before the invalidation must not be joined.
	c.group.Forget(pair.String())
	if p != nil {
		p.kick()
		return
	}
	c.refreshAsync(pair)
}

// Watch invalidates pairs whose operations reconcile. Invalidation runs as a
// bus handler, so it sees every event. It returns when ctx is done or the bus
// closes.
func (c *Composer) Watch(ctx context.Context, bus *events.Bus) error {
	detach := bus.Handle(func(e events.Event) {
		if e.Type != events.TypeReconciled || e.Pool.ChainID != c.cfg.ChainID {
			return
		}
		c.log.Debug("invalidating view", "pair", e.Pair().String(), "txHash", e.TxHash.Hex())
		c.Invalidate(e.Pair())
	})
	defer detach()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-bus.Done():
		return nil
	}
}

func (c *Composer) cached(ctx context.Context, pair staking.Pair) (viewcache.Entry, bool) {
	e, err := c.cache.Get(ctx, pair)
	if err == nil {
		return e, true
	}
	if !errors.Is(err, viewcache.ErrMiss) {
		c.log.Warn("view cache read failed", "pair", pair.String(), "err", err)
	}
	return viewcache.Entry{}, false
}

func (c *Composer) lastKnown(pair staking.Pair) *viewcache.Entry {
	e, ok := c.cached(c.baseCtx, pair)
	if !ok {
		return nil
	}
	return &e
}

func entryPtr(v interface{}) *viewcache.Entry {
	e := v.(viewcache.Entry)
	return &e
}

func (c *Composer) fresh(pair staking.Pair, e viewcache.Entry) bool {
	c.mu.Lock()
	inv := c.invalidated[pair]
	c.mu.Unlock()
	if !inv.IsZero() && e.ReadAt.Before(inv) {
		return false
	}
	return c.cfg.Now().Sub(e.ReadAt) < c.cfg.FreshFor
}

// refreshAsync starts (or joins) the single chain read for pair.
func (c *Composer) refreshAsync(pair staking.Pair) <-chan singleflight.Result {
	return c.group.DoChan(pair.String(), func() (interface{}, error) {
		return c.refresh(pair)
	})
}

func (c *Composer) refresh(pair staking.Pair) (viewcache.Entry, error) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.RefreshTimeout)
	defer cancel()

	started := c.cfg.Now()
	pos, err := c.reader.Position(ctx, pair.User, pair.Pool.Address)
	if err == nil && pos.StakeErr != nil && pos.RewardErr != nil {
		err = errors.Join(pos.StakeErr, pos.RewardErr)
	}
	c.metrics.ViewRefresh(err)
	if err != nil {
		c.log.Warn("chain view refresh failed", "pair", pair.String(), "err", err)
		return viewcache.Entry{}, err
	}

	e := viewcache.Entry{ReadAt: started}
	if pos.StakeErr == nil {
		e.Stake = pos.Stake
	}
	if pos.RewardErr == nil {
		e.PendingReward = pos.Reward
	} else if prev, ok := c.cached(ctx, pair); ok {
		e.PendingReward = prev.PendingReward
	}
	if err := c.cache.Set(ctx, pair, e); err != nil {
		c.log.Warn("view cache write failed", "pair", pair.String(), "err", err)
	}
	return e, nil
}

// compose merges ledger values with a chain entry. A nil entry or nil entry
// stake falls back to the ledger.
func (c *Composer) compose(ctx context.Context, pair staking.Pair, e *viewcache.Entry, stale bool) (View, error) {
	v := View{User: pair.User, Pool: pair.Pool, Stale: stale}

	us, err := c.ledger.GetUserStake(ctx, pair.User, pair.Pool)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return View{}, fmt.Errorf("readmodel: read ledger stake: %w", err)
	}
	if v.LastClaimAt, err = c.ledger.GetLastClaim(ctx, pair.User, pair.Pool); err != nil {
		return View{}, fmt.Errorf("readmodel: read last claim: %w", err)
	}
	v.CooldownUntil = staking.CooldownUntil(v.LastClaimAt, c.cfg.Cooldown)

	v.Stake = staking.AmountOrZero(us.ConfirmedAmount)
	v.StakeSource = SourceLedger
	if e != nil {
		v.ReadAt = e.ReadAt
		v.PendingReward = staking.CloneAmount(e.PendingReward)
		if !stale && e.Stake != nil {
			v.Stake = new(big.Int).Set(e.Stake)
			v.StakeSource = SourceChain
		}
	}
	return v, nil
}
