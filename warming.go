package strata

import (
	"context"
	"time"

	"goflare.io/strata/internal/warming"
)

// ReplayStrategyID is the id of the built-in strategy that replays the most
// read persistent entries. It is registered only when the persistent tier is
// enabled.
const ReplayStrategyID = "replay"

// Warming types. A Strategy writes through the Sink it is given; every value
// lands in all tiers exactly like Set.
type (
	Strategy[V any]       = warming.Strategy[V]
	Sink[V any]           = warming.Sink[V]
	Item[V any]           = warming.Item[V]
	StrategyFunc[V any]   = warming.Func[V]
	BatchStrategy[V any]  = warming.BatchStrategy[V]
	HotKeyStrategy[V any] = warming.HotKeyStrategy[V]
	Report                = warming.Report
	Result                = warming.Result
)

// RegisterStrategy 註冊預熱策略
func (c *Cache[V]) RegisterStrategy(s Strategy[V]) error {
	return c.warmer.Register(s)
}

// NewHotKeyStrategy returns a strategy that reloads the topN most read keys
// of this process through load.
func (c *Cache[V]) NewHotKeyStrategy(id string, topN int, ttl time.Duration, load func(ctx context.Context, keys []string) (map[string]V, error)) *HotKeyStrategy[V] {
	return &warming.HotKeyStrategy[V]{
		Name:  id,
		Stats: c.stats,
		TopN:  topN,
		TTL:   ttl,
		Load:  load,
	}
}

// Strategies returns the registered strategy ids in run order.
func (c *Cache[V]) Strategies() []string {
	return c.warmer.Strategies()
}

// WarmUp runs the strategies named by ids, or all of them when ids is empty.
// A failing strategy is reported in its Result and never stops the others.
// The error is non-nil only when the run itself was cancelled.
func (c *Cache[V]) WarmUp(ctx context.Context, ids ...string) (Report, error) {
	if c.closed.Load() {
		return Report{}, ErrClosed
	}
	return c.warmer.WarmUp(ctx, c, ids)
}

// StartWarming runs WarmUp now and then every interval in the background
// until StopWarming or Close. A running schedule is replaced.
func (c *Cache[V]) StartWarming(ctx context.Context, interval time.Duration, ids ...string) {
	if interval <= 0 || c.closed.Load() {
		return
	}
	c.StopWarming()

	c.warmMu.Lock()
	defer c.warmMu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	c.stopWarm = cancel
	c.warmWG.Add(1)
	go func() {
		defer c.warmWG.Done()
		c.warmer.Schedule(ctx, c, interval, ids, nil)
	}()
}

// StopWarming stops the background schedule and waits for a running pass.
func (c *Cache[V]) StopWarming() {
	c.warmMu.Lock()
	cancel := c.stopWarm
	c.stopWarm = nil
	c.warmMu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.warmWG.Wait()
}
