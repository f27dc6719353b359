// Package thumbnail implements the periodic thumbnail generation sweep:
// bounded worker parallelism across every known stream, preferring a
// provider's local republished stream over its origin connection when one
// is already live, and pruning stale thumbnail files for streams that keep
// failing.
package thumbnail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/config"
	"github.com/dss/dynstream/internal/ffmpegcmd"
	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/provider"
	"github.com/dss/dynstream/internal/stream"
)

// Metrics receives per-round counters for Prometheus export.
type Metrics interface {
	RoundErrors(n int)
	RoundDuration(d time.Duration)
}

// Scheduler runs the periodic thumbnail sweep.
type Scheduler struct {
	providers *provider.Registry
	streams   *stream.Registry
	runner    *procutil.Runner
	cfg       atomic.Pointer[config.ThumbnailConfig]
	metrics   Metrics
	log       zerolog.Logger

	mu          sync.Mutex
	lastErrorAt map[string]time.Time
}

// New builds a Scheduler from its dependencies and configuration.
func New(providers *provider.Registry, streams *stream.Registry, runner *procutil.Runner, cfg config.ThumbnailConfig, metrics Metrics, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		providers:   providers,
		streams:     streams,
		runner:      runner,
		metrics:     metrics,
		log:         log.With().Str("component", "thumbnail").Logger(),
		lastErrorAt: make(map[string]time.Time),
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateConfig atomically swaps in a freshly loaded thumbnail
// configuration. It takes effect at the start of the next round (or the
// next sleep computation within Run); jobs already in flight keep running
// under whatever config was current when they started.
func (s *Scheduler) UpdateConfig(cfg config.ThumbnailConfig) {
	s.cfg.Store(&cfg)
}

func (s *Scheduler) config() config.ThumbnailConfig {
	return *s.cfg.Load()
}

// Run executes rounds on cfg.Interval until ctx is canceled. It is meant
// to run as one long-lived goroutine (a suture.Service in the
// orchestrator); canceling ctx kills any in-flight jobs immediately
// (exec.CommandContext) and Run returns once the current round unwinds.
func (s *Scheduler) Run(ctx context.Context) error {
	select {
	case <-time.After(s.config().StartAfter):
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		s.runRound(ctx)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RoundDuration(elapsed)
		}

		sleep := s.config().Interval - elapsed
		if sleep < 0 {
			s.log.Warn().Dur("over_by", -sleep).Msg("thumbnail round delayed")
			sleep = 0
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) runRound(ctx context.Context) {
	ids := s.snapshotStreams()
	if len(ids) == 0 {
		return
	}

	workers := max(1, s.config().Workers)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	errored := make(map[string]bool, len(ids))

	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			isErr := s.runJob(ctx, id) != nil
			if sup, ok := s.streams.Lookup(id); ok {
				sup.Stats().Thumbnail.Inc(isErr)
			}
			if isErr {
				mu.Lock()
				errored[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	ok := len(ids) - len(errored)
	s.log.Info().Int("ok", ok).Int("total", len(ids)).Msg("thumbnail round finished")
	if s.metrics != nil {
		s.metrics.RoundErrors(len(errored))
	}

	if ctx.Err() != nil {
		return
	}
	s.deleteStale(errored)
}

// runJob spawns one FFmpeg thumbnail job for id and waits for it, bounded
// by cfg.Timeout and ctx cancellation (whichever comes first kills the
// process via exec.CommandContext's own cancellation).
func (s *Scheduler) runJob(ctx context.Context, id string) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.config().Timeout)
	defer cancel()

	argv, err := s.buildCmd(id)
	if err != nil {
		s.log.Error().Err(err).Str("stream_id", id).Msg("thumbnail: build command failed")
		return err
	}

	handle, err := s.runner.Run(jobCtx, id, "thumb", argv)
	if err != nil {
		s.log.Error().Err(err).Str("stream_id", id).Msg("thumbnail: spawn failed")
		return err
	}
	if err := handle.Wait(); err != nil {
		return fmt.Errorf("thumbnail: job for %s failed: %w", id, err)
	}
	return nil
}

func (s *Scheduler) buildCmd(id string) ([]string, error) {
	p, err := s.providers.Select(id)
	if err != nil {
		return nil, err
	}

	var source, outID string
	local := false
	if p.ThumbnailLocal() {
		if sup, ok := s.streams.Lookup(id); ok && sup.Alive() {
			source = p.LocalSource(id)
			outID = id
			local = true
		}
	}
	if source == "" {
		_, url, err := p.OriginSource(id)
		if err != nil {
			return nil, err
		}
		source = url
		outID = id
	}

	cfg := s.config()
	outOpt := cfg.OutputOpt
	if local {
		// Empirically avoids the live stream's pre-roll when reading the
		// local republish connection.
		outOpt += " -ss 1"
	}

	primary := filepath.Join(cfg.Dir, fmt.Sprintf("%s.%s", outID, cfg.Format))
	extras := make([]ffmpegcmd.ExtraOutput, 0, len(cfg.Sizes))
	for _, sz := range cfg.Sizes {
		resize := ffmpegcmd.Scale(cfg.ResizeOpt, sz.Scale)
		target := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s.%s", outID, sz.Name, cfg.Format))
		extras = append(extras, ffmpegcmd.ExtraOutput{Opts: outOpt + " " + resize, Target: target})
	}

	return ffmpegcmd.BuildMultiOutput(ffmpegcmd.Options{
		InputOpts:  cfg.InputOpt,
		Input:      source,
		OutputOpts: outOpt,
		Output:     primary,
	}, extras), nil
}

func (s *Scheduler) snapshotStreams() []string {
	var ids []string
	for _, p := range s.providers.All() {
		ids = append(ids, p.Streams()...)
	}
	return ids
}

// deleteStale tracks how long each stream has been continuously erroring
// and unlinks its thumbnail files once that exceeds cfg.DeleteAfter.
func (s *Scheduler) deleteStale(errored map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleteAfter := s.config().DeleteAfter
	now := time.Now()
	for id := range errored {
		if _, ok := s.lastErrorAt[id]; !ok {
			s.lastErrorAt[id] = now
		}
	}
	for id := range s.lastErrorAt {
		if !errored[id] {
			delete(s.lastErrorAt, id)
		}
	}
	for id, since := range s.lastErrorAt {
		if now.Sub(since) > deleteAfter {
			s.removeFiles(id)
		}
	}
}

func (s *Scheduler) removeFiles(id string) {
	cfg := s.config()
	names := []string{fmt.Sprintf("%s.%s", id, cfg.Format)}
	for _, sz := range cfg.Sizes {
		names = append(names, fmt.Sprintf("%s-%s.%s", id, sz.Name, cfg.Format))
	}
	for _, n := range names {
		path := filepath.Join(cfg.Dir, n)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("thumbnail cleanup: remove failed")
		}
	}
}
