package readmodel

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/staking"
)

// poller re-reads one pair on PollInterval while at least one observer is
// attached.
type poller struct {
	pair    staking.Pair
	kickCh  chan struct{}
	subs    map[chan View]struct{}
	stopped chan struct{}
}

func (p *poller) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Observe streams views of (user, pool). The first view is sent as soon as it
// can be composed; later views follow every PollInterval and after each
// invalidation. Slow receivers only get the latest view. The channel closes
// when ctx is done or the Composer closes.
func (c *Composer) Observe(ctx context.Context, user common.Address, pool staking.PoolRef) (<-chan View, error) {
	pair, err := c.pair(user, pool)
	if err != nil {
		return nil, err
	}
	ch := make(chan View, 1)

	c.mu.Lock()
	if c.baseCtx.Err() != nil {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	p, ok := c.pollers[pair]
	if !ok {
		p = &poller{
			pair:    pair,
			kickCh:  make(chan struct{}, 1),
			subs:    make(map[chan View]struct{}),
			stopped: make(chan struct{}),
		}
		c.pollers[pair] = p
		c.wg.Add(1)
		go c.poll(p)
	}
	p.subs[ch] = struct{}{}
	c.mu.Unlock()
	p.kick()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-p.stopped:
		}
		c.detach(p, ch)
	}()
	return ch, nil
}

func (c *Composer) detach(p *poller, ch chan View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := p.subs[ch]; !ok {
		return
	}
	delete(p.subs, ch)
	close(ch)
	if len(p.subs) == 0 && c.pollers[p.pair] == p {
		delete(c.pollers, p.pair)
		close(p.stopped)
	}
}

func (c *Composer) poll(p *poller) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-c.baseCtx.Done():
			c.stopPoller(p)
			return
		case <-p.stopped:
			return
		case <-t.C:
		case <-p.kickCh:
		}

		var v View
		var err error
		select {
		case r := <-c.refreshAsync(p.pair):
			if r.Err != nil {
				v, err = c.compose(c.baseCtx, p.pair, c.lastKnown(p.pair), true)
			} else {
				v, err = c.compose(c.baseCtx, p.pair, entryPtr(r.Val), false)
			}
		case <-c.baseCtx.Done():
			c.stopPoller(p)
			return
		}
		if err != nil {
			c.log.Warn("compose observed view", "pair", p.pair.String(), "err", err)
			continue
		}
		c.deliver(p, v)
	}
}

// stopPoller closes every observer on shutdown.
func (c *Composer) stopPoller(p *poller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
	if c.pollers[p.pair] == p {
		delete(c.pollers, p.pair)
		close(p.stopped)
	}
}

func (c *Composer) deliver(p *poller, v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range p.subs {
		// Keep only the latest view for a slow receiver.
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
