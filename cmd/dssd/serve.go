package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dss/dynstream/internal/config"
	"github.com/dss/dynstream/internal/httpapi"
	"github.com/dss/dynstream/internal/logging"
	"github.com/dss/dynstream/internal/metrics"
	"github.com/dss/dynstream/internal/mobile"
	"github.com/dss/dynstream/internal/orchestrator"
	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/provider"
	"github.com/dss/dynstream/internal/store"
	"github.com/dss/dynstream/internal/stream"
	"github.com/dss/dynstream/internal/thumbnail"
	"github.com/dss/dynstream/internal/wsbus"
)

// serve loads cfg, builds every component, and runs until the process
// receives SIGINT/SIGTERM.
func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Configure(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logging.Base()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	providers := buildProviders(cfg.Providers)
	providerRegistry := provider.NewRegistry(providers)

	if err := saveProviderCatalog(st, cfg.Providers); err != nil {
		log.Warn().Err(err).Msg("store: failed to persist provider catalog")
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	runner := procutil.NewRunner(cfg.Mobile.Dir)

	streams := stream.NewRegistry(providerRegistry, runner, cfg.FFmpeg.Timeout, cfg.FFmpeg.Reload, reg, log)

	scheduler := thumbnail.New(providerRegistry, streams, runner, cfg.Thumbnail, reg, log)

	// Only the thumbnail scheduler's config is safe to hot-swap at
	// runtime: every other component resolves addresses, timeouts, and
	// providers once at construction and would need a restart to pick up
	// a changed value.
	if err := config.Watch(configPath, func(next *config.Config) {
		log.Info().Msg("config: reloaded thumbnail settings from disk")
		scheduler.UpdateConfig(next.Thumbnail)
	}); err != nil {
		log.Warn().Err(err).Msg("config: watch failed, continuing without hot reload")
	}

	bus := wsbus.NewBus(log)
	bus.Register("mobile_location")

	mobileSrv := mobile.NewServer(mobile.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Local.Addr, cfg.Local.TCPPort),
		Dir:            cfg.Mobile.Dir,
		TimeLimit:      cfg.Mobile.TimeLimit,
		ProviderPrefix: "M",
		WaitTimeout:    cfg.Local.HTTPClientTimeout,
		RTMPAddr:       cfg.RTMPServer.Addr,
		RTMPApp:        cfg.RTMPServer.App,
		ThumbDir:       cfg.Thumbnail.Dir,
		ThumbFormat:    cfg.Thumbnail.Format,
		MobileInterval: cfg.Thumbnail.MobileInterval,
	}, runner, st, bus, reg, log)

	httpSrv := httpapi.NewServer(httpapi.Config{
		Addr:              fmt.Sprintf("%s:%d", cfg.Local.Addr, cfg.Local.Port),
		HTTPClientMin:     cfg.Local.HTTPClientMin,
		HTTPClientMax:     cfg.Local.HTTPClientMax,
		HTTPClientDefault: cfg.Local.HTTPClientTimeout,
	}, streams, providerRegistry, mobileSrv, bus, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, 10*time.Second)
	defer bootstrapCancel()
	if err := streams.Bootstrap(bootstrapCtx, &http.Client{Timeout: 5 * time.Second}, stream.BootstrapConfig{
		HTTPAddr:           cfg.HTTPServer.Addr,
		StatURL:            cfg.HTTPServer.StatURL,
		RTMPApp:            cfg.RTMPServer.App,
		AutoStart:          cfg.General.AutoStart,
		AutoStartProviders: cfg.General.AutoStartProvider,
		Recorder:           st,
	}); err != nil {
		log.Warn().Err(err).Msg("bootstrap: failed, continuing with an empty stream set")
	}

	orch := orchestrator.New(log)
	orch.Add("thumbnail", scheduler)
	orch.Add("mobile", mobileSrv)
	orch.Add("wsbus", busService{bus})
	orch.Add("httpapi", httpSrv)

	return orch.Run(ctx)
}

// busService adapts wsbus.Bus's explicit Stop method to the
// orchestrator.Service contract, since its channel workers start
// themselves on Register and only need a shutdown signal.
type busService struct {
	bus *wsbus.Bus
}

func (b busService) Run(ctx context.Context) error {
	<-ctx.Done()
	b.bus.Stop()
	return nil
}

// saveProviderCatalog mirrors the configured provider specs into the
// store as a durable audit copy of what was loaded at boot. The live
// /info/provider route still serves from providerRegistry, not this
// table.
func saveProviderCatalog(st *store.Store, specs []config.ProviderSpec) error {
	entries := make(map[string]any, len(specs))
	for _, spec := range specs {
		entries[spec.Prefix] = spec
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return st.SaveProviders(ctx, entries)
}

// buildProviders converts the already-resolved provider catalog from
// config into the concrete Provider implementations the registry
// dispatches to, choosing NumericProvider or NamedProvider by kind.
func buildProviders(specs []config.ProviderSpec) []provider.Provider {
	out := make([]provider.Provider, 0, len(specs))
	for _, ps := range specs {
		spec := provider.Spec{
			Prefix:           ps.Prefix,
			InputStreamTmpl:  ps.InputStreamTmpl,
			OutputStreamTmpl: ps.OutputStreamTmpl,
			InputOpts:        ps.InputOpts,
			OutputOpts:       ps.OutputOpts,
			StreamList:       ps.StreamList,
			ProbeSize:        ps.ProbeSize,
			Bin:              ps.Bin,
			ThumbnailLocal:   ps.ThumbnailLocal,
		}
		switch ps.Kind {
		case "named":
			out = append(out, provider.NewNamedProvider(spec))
		default:
			out = append(out, provider.NewNumericProvider(spec))
		}
	}
	return out
}
