package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/dsserrors"
	"github.com/dss/dynstream/internal/netutil"
	"github.com/dss/dynstream/internal/procutil"
)

// envelope is the JSON object carried inside a metadata/userdata frame:
// `{"type": <action>, "content": <object>}`.
type envelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Session owns one mobile connection's full lifecycle: handshake, FIFO
// and muxer setup, the read loop, and exactly-once teardown.
type Session struct {
	id     string
	conn   net.Conn
	reader *netutil.FramedReader
	srv    *Server
	log    zerolog.Logger

	tmpDir       string
	audioPipe    *os.File
	videoPipe    *os.File
	audioPump    *mediaPump
	videoPump    *mediaPump
	dataQ        *dataQueue
	dataDone     chan struct{}
	muxer        *procutil.Handle
	thumbnail    string
	destination  string
	streamName   string

	errMu sync.Mutex
	errs  []error

	posMu        sync.Mutex
	lastPosition *Position

	cleanupOnce sync.Once
}

// LastPosition returns the most recently recorded GPS fix, if any.
func (s *Session) LastPosition() (Position, bool) {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	if s.lastPosition == nil {
		return Position{}, false
	}
	return *s.lastPosition, true
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		reader: netutil.NewFramedReader(conn),
		dataQ:  newDataQueue(),
		log:    srv.log,
	}
}

// setError records a fatal session error; all of them are collected and
// logged together at teardown.
func (s *Session) setError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	s.errs = append(s.errs, err)
	s.errMu.Unlock()
}

func (s *Session) hasError() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return len(s.errs) > 0
}

// Serve drives the session end to end. It never returns an error the
// caller need act on: every failure is logged and triggers teardown.
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()
	defer s.cleanup()

	if err := s.handshake(ctx); err != nil {
		s.log.Warn().Err(err).Msg("mobile: handshake failed")
		return
	}
	if err := s.setup(); err != nil {
		s.log.Error().Err(err).Str("session_id", s.id).Msg("mobile: setup failed")
		return
	}

	s.runLoop(ctx)
}

func (s *Session) handshake(ctx context.Context) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.WaitTimeout))
	frame, err := s.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read first frame: %w", err)
	}
	if frame.Type != netutil.FrameMetadata {
		return fmt.Errorf("first frame type %d, expected metadata: %w", frame.Type, dsserrors.ErrProtocol)
	}

	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return fmt.Errorf("decode handshake metadata: %w", err)
	}
	var content struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Content, &content)

	assigned, err := s.srv.store.UpsertSession(ctx, content.ID)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	s.id = assigned
	s.log = s.log.With().Str("session_id", s.id).Logger()

	reply, err := json.Marshal(envelope{Type: "meta", Content: mustJSON(map[string]string{"id": s.id})})
	if err != nil {
		return err
	}
	return netutil.WriteFrame(s.conn, netutil.FrameMetadata, reply)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (s *Session) setup() error {
	s.streamName = s.srv.cfg.ProviderPrefix + "_" + s.id
	s.destination = filepath.Join(s.srv.cfg.RTMPAddr, s.srv.cfg.RTMPApp, s.streamName)
	s.thumbnail = filepath.Join(s.srv.cfg.ThumbDir, s.streamName) + "." + s.srv.cfg.ThumbFormat

	dir, err := os.MkdirTemp(s.srv.cfg.Dir, "mobile-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	s.tmpDir = dir

	audioPath := filepath.Join(dir, "audio.ts")
	videoPath := filepath.Join(dir, "video.ts")
	if err := syscall.Mkfifo(audioPath, 0o644); err != nil {
		return fmt.Errorf("mkfifo audio: %w", err)
	}
	if err := syscall.Mkfifo(videoPath, 0o644); err != nil {
		return fmt.Errorf("mkfifo video: %w", err)
	}

	audioPipe, err := os.OpenFile(audioPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open audio fifo: %w", err)
	}
	videoPipe, err := os.OpenFile(videoPath, os.O_RDWR, 0)
	if err != nil {
		audioPipe.Close()
		return fmt.Errorf("open video fifo: %w", err)
	}
	s.audioPipe, s.videoPipe = audioPipe, videoPipe

	limit := s.srv.cfg.QueueLimit
	if limit <= 0 {
		limit = 50000
	}
	s.audioPump = newMediaPump("audio", audioPipe, limit, s.srv.cfg.WaitTimeout, s.setError)
	s.videoPump = newMediaPump("video", videoPipe, limit, s.srv.cfg.WaitTimeout, s.setError)

	s.dataDone = make(chan struct{})
	go func() {
		defer close(s.dataDone)
		s.runDataProc()
	}()

	argv := buildMuxerArgv(audioPath, videoPath, s.destination, s.thumbnail, s.srv.cfg.MobileInterval)
	ctx := context.Background()
	handle, err := s.srv.runner.Run(ctx, s.streamName, "mobile", argv)
	if err != nil {
		return fmt.Errorf("spawn muxer: %w", err)
	}
	s.muxer = handle
	s.log.Info().Str("destination", s.destination).Msg("mobile: muxer started")
	return nil
}

func buildMuxerArgv(audioPath, videoPath, destination, thumbnail string, mobileInterval time.Duration) []string {
	rate := "1"
	if mobileInterval > 0 {
		rate = fmt.Sprintf("%g", 1/mobileInterval.Seconds())
	}
	return []string{
		"ffmpeg", "-y", "-re",
		"-i", audioPath,
		"-i", videoPath,
		"-c:v", "copy", "-c:a", "copy", "-bsf:a", "aac_adtstoasc", "-f", "flv",
		destination,
		"-r", rate, "-update", "1", "-an",
		thumbnail,
	}
}

func (s *Session) runLoop(ctx context.Context) {
	muxerExited := make(chan struct{})
	go func() {
		s.muxer.Wait()
		close(muxerExited)
	}()

	var deadlineTimer *time.Timer
	if s.srv.cfg.TimeLimit > 0 {
		deadlineTimer = time.AfterFunc(s.srv.cfg.TimeLimit, func() {
			s.log.Info().Dur("time_limit", s.srv.cfg.TimeLimit).Msg("mobile: time limit reached")
			s.conn.Close()
		})
		defer deadlineTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-muxerExited:
			return
		default:
		}
		if s.hasError() {
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.WaitTimeout))
		frame, err := s.reader.ReadFrame()
		if err != nil {
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame netutil.Frame) {
	switch frame.Type {
	case netutil.FrameVideo:
		if err := s.videoPump.AddData(frame.Payload); err != nil {
			s.log.Warn().Err(err).Msg("mobile: video backpressure")
		}
	case netutil.FrameAudio:
		if err := s.audioPump.AddData(frame.Payload); err != nil {
			s.log.Warn().Err(err).Msg("mobile: audio backpressure")
		}
	case netutil.FrameMetadata, netutil.FrameUserData:
		s.dataQ.Push(dataMsg{frameType: byte(frame.Type), payload: frame.Payload})
	default:
		s.log.Warn().Int("type", int(frame.Type)).Msg("mobile: unknown frame type")
	}
}

func (s *Session) runDataProc() {
	for {
		msg, ok := s.dataQ.Pop()
		if !ok {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg.payload, &env); err != nil {
			s.log.Warn().Err(err).Msg("mobile: invalid data payload")
			continue
		}
		switch netutil.FrameType(msg.frameType) {
		case netutil.FrameUserData:
			s.handleUserData(env)
		case netutil.FrameMetadata:
			s.log.Debug().RawJSON("content", env.Content).Msg("mobile: metadata received")
		}
	}
}

func (s *Session) handleUserData(env envelope) {
	switch env.Type {
	case "coord":
		var coord struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(env.Content, &coord); err != nil {
			s.log.Warn().Err(err).Msg("mobile: invalid coord payload")
			return
		}
		pos := Position{Time: time.Now().UTC(), Coord: [2]float64{coord.Latitude, coord.Longitude}}
		s.posMu.Lock()
		s.lastPosition = &pos
		s.posMu.Unlock()
		if err := s.srv.store.AppendPosition(context.Background(), s.id, pos); err != nil {
			s.log.Warn().Err(err).Msg("mobile: persist position failed")
		}
		if s.srv.bus != nil {
			s.srv.bus.Broadcast("mobile_location", map[string]any{
				"request": "update",
				"content": map[string]any{"name": s.streamName, "position": pos},
			})
		}
	default:
		s.log.Warn().Str("action", env.Type).Msg("mobile: unknown user action")
	}
}

// cleanup releases every resource exactly once, tolerating any individual
// step failing. It does not take the Serve context: on orchestrator
// shutdown that context is already canceled, and a clean shutdown should
// still persist the session's inactive state.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		var errs []error
		collect := func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
		}

		if s.audioPump != nil {
			s.audioPump.Stop()
		}
		if s.videoPump != nil {
			s.videoPump.Stop()
		}
		if s.dataQ != nil {
			s.dataQ.Close()
		}
		if s.dataDone != nil {
			<-s.dataDone
		}
		if s.muxer != nil {
			s.muxer.Kill()
		}

		if s.id != "" {
			teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			collect(s.srv.store.MarkInactive(teardownCtx, s.id))
			cancel()
		}
		if s.tmpDir != "" {
			collect(os.RemoveAll(s.tmpDir))
		}
		if s.thumbnail != "" {
			if err := os.Remove(s.thumbnail); err != nil && !os.IsNotExist(err) {
				collect(err)
			}
		}

		if s.srv.bus != nil && s.streamName != "" {
			s.srv.bus.Broadcast("mobile_location", map[string]any{
				"request": "update",
				"content": map[string]any{"name": s.streamName, "status": "finished"},
			})
		}

		s.srv.unregister(s)
		if s.srv.metrics != nil {
			s.srv.metrics.MobileSessionEnded(s.hasError() || len(errs) > 0)
		}

		s.errMu.Lock()
		sessionErrs := append([]error(nil), s.errs...)
		s.errMu.Unlock()
		if len(sessionErrs) > 0 {
			s.log.Warn().Errs("errors", sessionErrs).Msg("mobile: session ended with errors")
		}
		if len(errs) > 0 {
			s.log.Warn().Errs("errors", errs).Msg("mobile: errors during cleanup")
		}
		s.log.Info().Str("session_id", s.id).Msg("mobile stream has ended")
	})
}
