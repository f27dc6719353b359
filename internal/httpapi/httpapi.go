// Package httpapi is the HTTP/WebSocket control and telemetry surface:
// start/stop/http-keepalive/publish-event routes driving the stream
// registry, stats/info catalog routes, the mobile location WebSocket
// channel, and a mounted Prometheus handler — the thin gin router the
// teacher's own server/handlers.go models.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/dsserrors"
	"github.com/dss/dynstream/internal/mobile"
	"github.com/dss/dynstream/internal/provider"
	"github.com/dss/dynstream/internal/stats"
	"github.com/dss/dynstream/internal/stream"
	"github.com/dss/dynstream/internal/wsbus"
)

// Config carries the clamp range for the "/control/<id>/http/<seconds>"
// pseudo-client route.
type Config struct {
	Addr              string
	HTTPClientMin     time.Duration
	HTTPClientMax     time.Duration
	HTTPClientDefault time.Duration
}

// Server is the HTTP control surface.
type Server struct {
	cfg       Config
	streams   *stream.Registry
	providers *provider.Registry
	mobile    *mobile.Server
	bus       *wsbus.Bus
	log       zerolog.Logger

	engine *gin.Engine
}

// NewServer builds the gin engine and registers every route, but does not
// start listening; call Run to serve.
func NewServer(cfg Config, streams *stream.Registry, providers *provider.Registry, mobileSrv *mobile.Server, bus *wsbus.Bus, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		streams:   streams,
		providers: providers,
		mobile:    mobileSrv,
		bus:       bus,
		log:       log.With().Str("component", "httpapi").Logger(),
	}
	s.engine = s.newEngine()
	return s
}

func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	control := r.Group("/control/:id")
	control.Any("/start", s.handleStart)
	control.Any("/stop", s.handleStop)
	control.Any("/http", s.handleHTTPKeepalive)
	control.Any("/http/:seconds", s.handleHTTPKeepalive)
	control.Any("/publish_start", s.handlePublishStart)
	control.Any("/publish_stop", s.handlePublishStop)

	r.GET("/stats/:id", s.handleStats)
	r.GET("/stats/:id/:fields", s.handleStats)

	r.GET("/info/provider", s.handleInfoProviders)
	r.GET("/info/provider/:prefix", s.handleInfoProviders)
	r.GET("/info/stream/:id", s.handleInfoStream)

	r.GET("/mobile/location", s.handleMobileLocation)

	return r
}

// Run starts the HTTP server on cfg.Addr and blocks until ctx is
// canceled, implementing the suture.Service contract for the
// orchestrator.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requestIDHeader carries the per-request id back to the caller and into
// the structured log line, the way the teacher's gin.Default() logger
// tagged each line but without the request-correlating id it lacked.
const requestIDHeader = "X-Request-Id"

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		start := time.Now()
		c.Next()
		s.log.Info().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// statusFor maps a dsserrors sentinel to the HTTP status §4.8 names.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dsserrors.ErrNotAlive):
		return http.StatusForbidden
	case errors.Is(err, dsserrors.ErrUnknownStream):
		return http.StatusNotFound
	case err != nil:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")
	if err := s.streams.Start(id, 1, 0); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.streams.Stop(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "stopped"})
}

func (s *Server) handleHTTPKeepalive(c *gin.Context) {
	id := c.Param("id")
	wait := s.cfg.HTTPClientDefault
	if raw := c.Param("seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seconds"})
			return
		}
		wait = time.Duration(secs) * time.Second
	}
	wait = clampDuration(wait, s.cfg.HTTPClientMin, s.cfg.HTTPClientMax)

	if err := s.streams.Start(id, 0, wait); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "started", "http_wait_seconds": wait.Seconds()})
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if lo > 0 && d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

func (s *Server) handlePublishStart(c *gin.Context) {
	id := c.Param("id")
	if err := s.streams.PublishStart(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "publishing"})
}

func (s *Server) handlePublishStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.streams.PublishStop(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "published"})
}

// handleStats serves §4.8's `/stats/<id_or_prefix>[/<csv-of-fields>]`: if
// id names a single known stream, its Metric is returned; otherwise it is
// treated as a provider prefix and every stream it currently serves is
// returned as a list.
func (s *Server) handleStats(c *gin.Context) {
	id := c.Param("id")
	var fields []string
	if raw := c.Param("fields"); raw != "" {
		fields = strings.Split(raw, ",")
	}

	if sup, ok := s.streams.Lookup(id); ok {
		c.JSON(http.StatusOK, filterMetric(sup.Stats().Metric(), fields))
		return
	}

	p, err := s.providers.Select(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]gin.H, 0)
	for _, streamID := range p.Streams() {
		entry := gin.H{"id": streamID}
		if sup, ok := s.streams.Lookup(streamID); ok {
			entry["stats"] = filterMetric(sup.Stats().Metric(), fields)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

func filterMetric(m stats.Metric, fields []string) gin.H {
	full := gin.H{
		"thumbnail": m.Thumbnail,
		"uptime":    m.Uptime,
		"crash":     m.Crash,
		"warmup":    m.Warmup,
	}
	if len(fields) == 0 {
		return full
	}
	out := gin.H{}
	for _, f := range fields {
		key := strings.ToLower(strings.TrimSpace(f))
		if v, ok := full[key]; ok {
			out[key] = v
		}
	}
	return out
}

func (s *Server) handleInfoProviders(c *gin.Context) {
	prefix := c.Param("prefix")
	all := s.providers.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Prefix() < all[j].Prefix() })

	out := make([]gin.H, 0, len(all))
	for _, p := range all {
		if prefix != "" && p.Prefix() != prefix {
			continue
		}
		out = append(out, gin.H{
			"prefix":          p.Prefix(),
			"streams":         p.Streams(),
			"thumbnail_local": p.ThumbnailLocal(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleInfoStream(c *gin.Context) {
	id := c.Param("id")
	p, err := s.providers.Select(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	originID, err := p.OriginID(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	entry := gin.H{"id": id, "provider": p.Prefix(), "origin_id": originID}
	if sup, ok := s.streams.Lookup(id); ok {
		entry["alive"] = sup.Alive()
		entry["viewers"] = sup.Clients()
		entry["stats"] = sup.Stats().Metric()
	}
	c.JSON(http.StatusOK, entry)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMobileLocation upgrades to a WebSocket, sends the initial
// `{request:"all", content: [...]}` snapshot of every active mobile
// session's last fix, then hands the connection to the wsbus channel so
// subsequent `{request:"update", ...}` pushes flow through the same
// broadcaster every other subscriber uses.
func (s *Server) handleMobileLocation(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("mobile location: upgrade failed")
		return
	}

	snapshot := gin.H{"request": "all", "content": s.mobile.ActivePositions()}
	if err := conn.WriteJSON(snapshot); err != nil {
		conn.Close()
		return
	}

	if err := s.bus.Subscribe("mobile_location", conn); err != nil {
		s.log.Warn().Err(err).Msg("mobile location: subscribe failed")
		conn.Close()
	}
}
