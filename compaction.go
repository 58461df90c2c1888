package lsmkv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// compactor runs full compactions in the background whenever the number of
// tables reaches Options.CompactionTrigger.
type compactor struct {
	store    *Store
	trigger  int
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newCompactor(s *Store) *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &compactor{
		store:    s,
		trigger:  s.opts.CompactionTrigger,
		interval: s.opts.CompactionInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *compactor) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop cancels the loop and waits for a running compaction to finish.
func (c *compactor) Stop() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

func (c *compactor) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.maybeCompact()
		}
	}
}

func (c *compactor) maybeCompact() {
	if c.store.TableCount() < c.trigger {
		return
	}
	log := c.store.logger
	start := time.Now()
	if err := c.store.Compact(); err != nil {
		if !errors.Is(err, ErrStoreClosed) {
			log.Warn().Err(err).Msg("background compaction failed")
		}
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("background compaction finished")
}
