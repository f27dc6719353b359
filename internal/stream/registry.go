package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/dsserrors"
	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/provider"
	"github.com/dss/dynstream/internal/rtmpstats"
)

// Registry creates and tracks one Supervisor per stream id, lazily on
// first reference, generalizing the original's Video class-level
// singleton map into an explicit instance any caller can hold a reference
// to, per the "global singletons" redesign direction.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Supervisor

	providers *provider.Registry
	runner    *procutil.Runner
	metrics   Metrics
	log       zerolog.Logger

	timeout       time.Duration
	reloadTimeout time.Duration

	runMu sync.Mutex
	run   bool
}

// NewRegistry builds a Registry. timeout/reloadTimeout are applied to
// every supervisor it creates.
func NewRegistry(providers *provider.Registry, runner *procutil.Runner, timeout, reloadTimeout time.Duration, metrics Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		byID:          make(map[string]*Supervisor),
		providers:     providers,
		runner:        runner,
		metrics:       metrics,
		log:           log,
		timeout:       timeout,
		reloadTimeout: reloadTimeout,
		run:           true,
	}
}

// Get returns the Supervisor for id, creating it on first reference. It
// returns an error if id does not resolve to a known provider.
func (r *Registry) Get(id string) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok {
		return s, nil
	}

	p, err := r.providers.Select(id)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	// Validate the id resolves to a real stream before creating state for
	// it, matching the original raising KeyError for a prefix match with
	// an invalid suffix.
	if _, err := p.OriginID(id); err != nil {
		return nil, fmt.Errorf("stream: invalid id %q: %w", id, err)
	}

	build := func(streamID string) ([]string, error) { return p.BuildCmd(streamID) }
	s := New(id, r.runner, build, r.timeout, r.reloadTimeout, r.metrics, r.log)
	r.byID[id] = s
	return s, nil
}

// Lookup returns the Supervisor for id only if it already exists, without
// creating one.
func (r *Registry) Lookup(id string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Start resolves/creates the supervisor for id and increments its viewer
// count (or arms its HTTP pseudo-client if httpWait is non-zero).
func (r *Registry) Start(id string, increment int, httpWait time.Duration) error {
	r.runMu.Lock()
	running := r.run
	r.runMu.Unlock()
	if !running {
		return fmt.Errorf("stream: registry is shutting down")
	}

	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Inc(increment, httpWait)
	return nil
}

// Stop decrements id's viewer count by one.
func (r *Registry) Stop(id string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("stream: unknown stream %q: %w", id, dsserrors.ErrUnknownStream)
	}
	s.Dec(false)
	return nil
}

// PublishStart records that the upstream child began producing output,
// per §4.8's publish_start control route. It returns ErrUnknownStream if
// id has never been started and ErrNotAlive if it is known but not
// currently running.
func (r *Registry) PublishStart(id string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("stream: unknown stream %q: %w", id, dsserrors.ErrUnknownStream)
	}
	if !s.Alive() {
		return fmt.Errorf("stream: %q not alive: %w", id, dsserrors.ErrNotAlive)
	}
	s.Stats().Timed.Warmup()
	return nil
}

// PublishStop records that the upstream child stopped producing output,
// per §4.8's publish_stop control route.
func (r *Registry) PublishStop(id string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("stream: unknown stream %q: %w", id, dsserrors.ErrUnknownStream)
	}
	s.Stats().Timed.Uptime()
	return nil
}

// TerminateAll stops every known supervisor immediately and marks the
// registry as shut down, refusing further Start calls.
func (r *Registry) TerminateAll() {
	r.runMu.Lock()
	r.run = false
	r.runMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		s.ProcStop(true)
	}
}

// All returns every currently known supervisor.
func (r *Registry) All() []*Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Supervisor, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// AutoStartRecorder persists which stream ids were auto-started at boot,
// per a configured general.auto_start/auto_start_provider decision.
// Implemented by internal/store.
type AutoStartRecorder interface {
	RecordAutoStart(ctx context.Context, id string) error
}

// BootstrapConfig carries the upstream-stats fetch parameters for
// Bootstrap.
type BootstrapConfig struct {
	HTTPAddr           string
	StatURL            string
	RTMPApp            string
	AutoStart          []string
	AutoStartProviders []string

	// Recorder, if non-nil, is told about every stream id started because
	// of an AutoStart/AutoStartProviders directive (not ids merely found
	// already live in the upstream stats).
	Recorder AutoStartRecorder
}

func (r *Registry) recordAutoStart(ctx context.Context, cfg BootstrapConfig, id string) {
	if cfg.Recorder == nil {
		return
	}
	if err := cfg.Recorder.RecordAutoStart(ctx, id); err != nil {
		r.log.Warn().Err(err).Str("stream_id", id).Msg("bootstrap: failed to persist auto_start decision")
	}
}

// Bootstrap fetches the upstream RTMP server's current viewer counts and
// pre-populates supervisors for already-subscribed streams, then applies
// any configured auto-start directives, matching §4.9.
func (r *Registry) Bootstrap(ctx context.Context, client *http.Client, cfg BootstrapConfig) error {
	doc, err := rtmpstats.Fetch(ctx, client, cfg.HTTPAddr, cfg.StatURL)
	if err != nil {
		r.log.Warn().Err(err).Msg("bootstrap: could not fetch upstream stats, skipping")
	} else {
		app, ok := doc.Application(cfg.RTMPApp)
		if !ok {
			r.log.Warn().Str("app", cfg.RTMPApp).Msg("bootstrap: no such application in upstream stats")
		} else {
			for _, st := range app.Streams {
				n := st.ViewerCount()
				if n <= 0 {
					continue
				}
				if err := r.Start(st.Name, n, 0); err != nil {
					r.log.Warn().Err(err).Str("stream_id", st.Name).Msg("bootstrap: invalid stream name from upstream stats")
				}
			}
		}
	}

	for _, id := range cfg.AutoStart {
		if err := r.Start(id, 1, 0); err != nil {
			r.log.Warn().Err(err).Str("stream_id", id).Msg("bootstrap: auto_start failed")
			continue
		}
		r.recordAutoStart(ctx, cfg, id)
	}

	for _, prefix := range cfg.AutoStartProviders {
		p, err := r.providers.Select(prefix + "0")
		if err != nil {
			r.log.Warn().Err(err).Str("provider", prefix).Msg("bootstrap: auto_start_provider unknown")
			continue
		}
		for _, id := range p.Streams() {
			if err := r.Start(id, 1, 0); err != nil {
				r.log.Warn().Err(err).Str("stream_id", id).Msg("bootstrap: auto_start_provider stream failed")
				continue
			}
			r.recordAutoStart(ctx, cfg, id)
		}
	}

	return nil
}
