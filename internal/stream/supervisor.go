// Package stream implements the StreamSupervisor and StreamRegistry: the
// per-id viewer/process lifecycle state machine and the registry that
// creates supervisors lazily and bootstraps their initial viewer counts
// from the upstream RTMP server's own statistics.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/stats"
)

// Metrics receives lifecycle events for Prometheus export. A nil Metrics
// is valid and simply drops events.
type Metrics interface {
	StreamSpawned(id string)
	StreamDied(id string)
	ViewersSet(id string, n int)
}

// ArgvBuilder rebuilds the FFmpeg argv for id; it is called once per spawn
// attempt (including respawns), matching the original's `self.fn()`
// closure being re-evaluated on every loop iteration.
type ArgvBuilder func(id string) ([]string, error)

// Supervisor owns one stream id's viewer count and transcoder process
// lifetime. Zero value is not usable; construct with New.
type Supervisor struct {
	id string

	mu      sync.Mutex
	cnt     int
	procRun bool
	proc    *procutil.Handle
	ctx     context.Context
	cancel  context.CancelFunc

	timeout       time.Duration // grace period before killing an idle process
	reloadTimeout time.Duration // delay before respawning after a crash

	http *httpPseudoClient

	stats   *stats.StreamStats
	runner  *procutil.Runner
	build   ArgvBuilder
	metrics Metrics
	log     zerolog.Logger
}

// New constructs a Supervisor for id. timeout is the idle grace period
// before a zero-viewer stream's process is killed; reloadTimeout is the
// delay before a crashed process is respawned.
func New(id string, runner *procutil.Runner, build ArgvBuilder, timeout, reloadTimeout time.Duration, metrics Metrics, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		id:            id,
		timeout:       timeout,
		reloadTimeout: reloadTimeout,
		stats:         stats.NewStreamStats(),
		runner:        runner,
		build:         build,
		metrics:       metrics,
		log:           log.With().Str("stream_id", id).Logger(),
	}
	s.http = newHTTPPseudoClient(func() { s.Dec(true) })
	return s
}

// ID returns the stream id this supervisor owns.
func (s *Supervisor) ID() string { return s.id }

// Stats returns the stream's reliability stats.
func (s *Supervisor) Stats() *stats.StreamStats { return s.stats }

// Clients returns the current viewer count, including the HTTP
// pseudo-client if active.
func (s *Supervisor) Clients() int {
	s.mu.Lock()
	cnt := s.cnt
	s.mu.Unlock()
	if s.http.isActive() {
		cnt++
	}
	return cnt
}

// Alive reports whether a process handle is present or one is intended to
// be running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil || s.procRun
}

// Inc increments the viewer count by k, or — if httpWait is non-zero — arms
// or refreshes the HTTP pseudo-client for that duration instead. Either way
// it ensures a transcoder process is running.
func (s *Supervisor) Inc(k int, httpWait time.Duration) {
	if httpWait > 0 {
		s.http.wait(httpWait)
	} else {
		s.mu.Lock()
		s.cnt += k
		s.mu.Unlock()
	}

	s.mu.Lock()
	needStart := s.proc == nil && !s.procRun
	s.mu.Unlock()
	if needStart {
		s.procStart()
	}
	s.reportViewers()
}

// Dec decrements the viewer count by one, saturating at zero, unless http
// is true (in which case only the pseudo-client state is considered). If
// the resulting client count is zero, a grace-period shutdown is armed.
func (s *Supervisor) Dec(http bool) {
	if !http {
		s.mu.Lock()
		if s.cnt > 0 {
			s.cnt--
		}
		s.mu.Unlock()
	}
	if s.Clients() == 0 {
		s.ProcStop(false)
	}
	s.reportViewers()
}

func (s *Supervisor) reportViewers() {
	if s.metrics != nil {
		s.metrics.ViewersSet(s.id, s.Clients())
	}
}

// procStart launches the lifecycle worker if one is not already running.
// The worker owns respawning on crash; callers never block on spawn.
func (s *Supervisor) procStart() {
	s.mu.Lock()
	if s.procRun {
		s.mu.Unlock()
		return
	}
	s.procRun = true
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	go s.lifecycleWorker(ctx)
}

func (s *Supervisor) lifecycleWorker(ctx context.Context) {
	for {
		argv, err := s.build(s.id)
		if err != nil {
			s.log.Error().Err(err).Msg("build argv failed, giving up spawn")
			s.mu.Lock()
			s.procRun = false
			s.mu.Unlock()
			return
		}

		handle, err := s.runner.Run(ctx, s.id, "fetch", argv)
		if err != nil {
			s.log.Error().Err(err).Msg("spawn failed")
			s.mu.Lock()
			s.procRun = false
			s.mu.Unlock()
			return
		}

		s.stats.Timed.Started()
		if s.metrics != nil {
			s.metrics.StreamSpawned(s.id)
		}
		s.mu.Lock()
		s.proc = handle
		s.mu.Unlock()
		s.log.Info().Int("pid", handle.Pid).Msg("ffmpeg started")

		waitErr := handle.Wait()

		s.mu.Lock()
		s.proc = nil
		stillWanted := s.procRun
		s.mu.Unlock()

		if stillWanted {
			s.stats.Timed.Died()
			if s.metrics != nil {
				s.metrics.StreamDied(s.id)
			}
			s.log.Warn().Err(waitErr).Msg("ffmpeg died, scheduling respawn")

			select {
			case <-time.After(s.reloadTimeout):
			case <-ctx.Done():
			}

			s.mu.Lock()
			respawn := s.procRun
			s.mu.Unlock()
			if respawn {
				continue
			}
		}

		s.log.Info().Msg("ffmpeg stopped")
		return
	}
}

// ProcStop requests the transcoder stop. If now, it is killed immediately;
// otherwise intent is recorded and a grace-period timer decides whether to
// actually kill it (a new viewer arriving within the window cancels the
// shutdown).
func (s *Supervisor) ProcStop(now bool) {
	if now {
		s.mu.Lock()
		s.procRun = false
		handle := s.proc
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if handle != nil {
			handle.Kill()
		}
		return
	}

	s.mu.Lock()
	if !s.procRun {
		s.mu.Unlock()
		return
	}
	s.procRun = false
	s.mu.Unlock()

	go func() {
		time.Sleep(s.timeout)
		if s.Clients() == 0 {
			s.mu.Lock()
			handle := s.proc
			cancel := s.cancel
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if handle != nil {
				handle.Kill()
			}
		} else {
			s.mu.Lock()
			s.procRun = true
			s.mu.Unlock()
		}
	}()
}

// httpPseudoClient emulates an RTMP client's presence for as long as an
// HTTP viewer keeps polling within its timeout window, matching
// StreamHTTPClient's wait/renew/expire contract.
type httpPseudoClient struct {
	mu      sync.Mutex
	active  bool
	resetCh chan time.Duration
	onExpire func()
}

func newHTTPPseudoClient(onExpire func()) *httpPseudoClient {
	return &httpPseudoClient{onExpire: onExpire}
}

func (h *httpPseudoClient) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// wait arms the pseudo-client for timeout, or — if already active —
// refreshes the remaining wait to timeout.
func (h *httpPseudoClient) wait(timeout time.Duration) {
	h.mu.Lock()
	if h.active {
		ch := h.resetCh
		h.mu.Unlock()
		select {
		case ch <- timeout:
		default:
		}
		return
	}
	h.active = true
	h.resetCh = make(chan time.Duration, 1)
	ch := h.resetCh
	h.mu.Unlock()

	go h.worker(ch, timeout)
}

func (h *httpPseudoClient) worker(resetCh chan time.Duration, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case t := <-resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t)
		case <-timer.C:
			h.mu.Lock()
			h.active = false
			h.mu.Unlock()
			h.onExpire()
			return
		}
	}
}
