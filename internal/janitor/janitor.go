// Package janitor runs the two background sweeps: stale detection over
// running tasks and purging of old terminal tasks. Both are cooperative
// loops; a tick runs to completion before the next is scheduled, a
// failed tick is logged and retried on the next interval, and shutdown
// via context cancellation is prompt.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/storage"
)

// Janitor owns both background sweeps against one store. Intervals are
// re-read from the resolver every tick so a config reload takes effect
// without restart.
type Janitor struct {
	store    storage.Storage
	resolver *config.Resolver
	logger   zerolog.Logger
}

// New builds a Janitor. Call Run to start the loops.
func New(store storage.Storage, resolver *config.Resolver) *Janitor {
	return &Janitor{
		store:    store,
		resolver: resolver,
		logger:   log.WithComponent("janitor"),
	}
}

// Run starts the stale and purge loops and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() {
		j.loop(ctx, "stale", j.staleInterval, j.sweepStale)
		done <- struct{}{}
	}()
	go func() {
		j.loop(ctx, "purge", j.purgeInterval, j.purge)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (j *Janitor) staleInterval() time.Duration {
	return time.Duration(j.resolver.Current().QueueRunner.AutoFailIntervalSeconds) * time.Second
}

func (j *Janitor) purgeInterval() time.Duration {
	return j.staleInterval()
}

// loop runs fn once per interval. A timer (not a ticker) is rearmed only
// after fn returns, so a slow tick never overlaps the next one.
func (j *Janitor) loop(ctx context.Context, name string, interval func() time.Duration, fn func(context.Context) error) {
	timer := time.NewTimer(interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			j.logger.Warn().Err(err).Str("sweep", name).Msg("janitor tick failed, retrying next interval")
		}
		timer.Reset(interval())
	}
}

func (j *Janitor) sweepStale(ctx context.Context) error {
	warned, autoFailed, err := j.store.SweepStale(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if warned > 0 || autoFailed > 0 {
		j.logger.Info().
			Int64("warned", warned).
			Int64("auto_failed", autoFailed).
			Msg("stale sweep")
	}
	return nil
}

func (j *Janitor) purge(ctx context.Context) error {
	days := j.resolver.Current().Purge.OlderThanDays
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	purged, err := j.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		j.logger.Info().Int64("purged", purged).Time("older_than", cutoff).Msg("purged terminal tasks")
	}
	return nil
}
