package mobile

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/procutil"
)

// Server accepts mobile ingest TCP connections and runs one Session per
// connection, tracking active sessions so the WebSocket location channel
// can report a full snapshot to new subscribers.
type Server struct {
	cfg     Config
	runner  *procutil.Runner
	store   SessionStore
	bus     Broadcaster
	metrics Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer builds a mobile ingest Server. metrics may be nil, in which
// case session lifecycle events are simply not reported.
func NewServer(cfg Config, runner *procutil.Runner, store SessionStore, bus Broadcaster, metrics Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		log:      log.With().Str("component", "mobile").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Run listens on cfg.ListenAddr and serves connections until ctx is
// canceled, implementing the suture.Service contract for the orchestrator.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mobile: listen %s: %w", s.cfg.ListenAddr, err)
	}

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopped)
		ln.Close()
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("mobile ingest listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopped:
				return ctx.Err()
			default:
				s.log.Warn().Err(err).Msg("mobile: accept failed")
				continue
			}
		}
		sess := newSession(s, conn)
		s.register(sess)
		if s.metrics != nil {
			s.metrics.MobileSessionStarted()
		}
		go sess.Serve(ctx)
	}
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[fmt.Sprintf("%p", sess)] = sess
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, fmt.Sprintf("%p", sess))
}

// ActivePositions returns {name, position} for every registered session
// that has a stream name (set when setup begins), for the WS handshake's
// "all" snapshot; position is omitted for a session with no recorded fix.
func (s *Server) ActivePositions() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.streamName == "" {
			continue
		}
		entry := map[string]any{"name": sess.streamName}
		if pos, ok := sess.LastPosition(); ok {
			entry["position"] = pos
		}
		out = append(out, entry)
	}
	return out
}
