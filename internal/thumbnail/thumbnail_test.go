package thumbnail

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dss/dynstream/internal/config"
	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/provider"
	"github.com/dss/dynstream/internal/stream"
)

func testScheduler(t *testing.T, cfg config.ThumbnailConfig) (*Scheduler, *provider.Registry, *stream.Registry) {
	t.Helper()
	providers := provider.NewRegistry([]provider.Provider{
		provider.NewNumericProvider(provider.Spec{
			Prefix:           "cam",
			InputStreamTmpl:  "rtsp://origin/{0}",
			OutputStreamTmpl: "rtmp://local/live/{0}",
			StreamList:       []string{"101", "102"},
			ThumbnailLocal:   true,
		}),
	})
	runner := procutil.NewRunner(t.TempDir())
	streams := stream.NewRegistry(providers, runner, time.Second, time.Second, nil, zerolog.Nop())
	sched := New(providers, streams, runner, cfg, nil, zerolog.Nop())
	return sched, providers, streams
}

func baseCfg(dir string) config.ThumbnailConfig {
	return config.ThumbnailConfig{
		Interval:    time.Hour,
		Workers:     2,
		Timeout:     time.Second,
		DeleteAfter: time.Hour,
		InputOpt:    "-rtsp_transport tcp",
		OutputOpt:   "-vframes 1",
		ResizeOpt:   "scale=-1:{0}",
		Dir:         dir,
		Format:      "jpg",
	}
}

func TestBuildCmdUsesOriginWhenNotLocal(t *testing.T) {
	sched, _, _ := testScheduler(t, baseCfg(t.TempDir()))
	argv, err := sched.buildCmd("cam0")
	if err != nil {
		t.Fatalf("buildCmd: %v", err)
	}
	found := false
	for _, a := range argv {
		if a == "rtsp://origin/101" {
			found = true
		}
	}
	if !found {
		t.Errorf("buildCmd() = %v, want it to read from the origin URL when no local supervisor is alive", argv)
	}
}

func TestBuildCmdPrefersLocalWhenAlive(t *testing.T) {
	sched, _, streams := testScheduler(t, baseCfg(t.TempDir()))
	if err := streams.Start("cam0", 1, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if sup, ok := streams.Lookup("cam0"); ok {
			sup.ProcStop(true)
		}
	}()

	argv, err := sched.buildCmd("cam0")
	if err != nil {
		t.Fatalf("buildCmd: %v", err)
	}
	found := false
	for _, a := range argv {
		if a == "rtmp://local/live/cam0" {
			found = true
		}
	}
	if !found {
		t.Errorf("buildCmd() = %v, want it to prefer the local republish URL once the supervisor is alive", argv)
	}
}

func TestBuildCmdAddsResizeExtrasForConfiguredSizes(t *testing.T) {
	cfg := baseCfg(t.TempDir())
	cfg.Sizes = []config.ThumbnailSize{{Name: "small", Scale: "180"}}
	sched, _, _ := testScheduler(t, cfg)

	argv, err := sched.buildCmd("cam0")
	if err != nil {
		t.Fatalf("buildCmd: %v", err)
	}
	wantSuffix := "cam0-small.jpg"
	found := false
	for _, a := range argv {
		if len(a) >= len(wantSuffix) && a[len(a)-len(wantSuffix):] == wantSuffix {
			found = true
		}
	}
	if !found {
		t.Errorf("buildCmd() = %v, want an extra output ending in %s", argv, wantSuffix)
	}
}

func TestBuildCmdUnknownProvider(t *testing.T) {
	sched, _, _ := testScheduler(t, baseCfg(t.TempDir()))
	if _, err := sched.buildCmd("unknown0"); err == nil {
		t.Error("buildCmd(unknown provider) = nil error, want one")
	}
}

func TestDeleteStaleRemovesFilesAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := baseCfg(dir)
	cfg.DeleteAfter = 0 // anything errored is immediately stale
	sched, _, _ := testScheduler(t, cfg)

	path := dir + "/cam0.jpg"
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sched.deleteStale(map[string]bool{"cam0": true})
	// First pass only records the error timestamp; the file survives.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed on the very first errored round, want it to survive one round: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	sched.deleteStale(map[string]bool{"cam0": true})
	if _, err := os.Stat(path); err == nil {
		t.Error("file still present after exceeding DeleteAfter on a second errored round")
	}
}

func TestDeleteStaleForgetsRecoveredStreams(t *testing.T) {
	sched, _, _ := testScheduler(t, baseCfg(t.TempDir()))
	sched.deleteStale(map[string]bool{"cam0": true})
	if _, tracked := sched.lastErrorAt["cam0"]; !tracked {
		t.Fatal("cam0 not tracked after an errored round")
	}
	sched.deleteStale(map[string]bool{}) // cam0 recovered
	if _, tracked := sched.lastErrorAt["cam0"]; tracked {
		t.Error("cam0 still tracked after recovering, want it forgotten")
	}
}

func TestUpdateConfigAppliesToSubsequentBuildCmd(t *testing.T) {
	cfg := baseCfg(t.TempDir())
	sched, _, _ := testScheduler(t, cfg)

	next := cfg
	next.Sizes = []config.ThumbnailSize{{Name: "big", Scale: "720"}}
	sched.UpdateConfig(next)

	argv, err := sched.buildCmd("cam0")
	if err != nil {
		t.Fatalf("buildCmd: %v", err)
	}
	wantSuffix := "cam0-big.jpg"
	found := false
	for _, a := range argv {
		if len(a) >= len(wantSuffix) && a[len(a)-len(wantSuffix):] == wantSuffix {
			found = true
		}
	}
	if !found {
		t.Errorf("buildCmd() after UpdateConfig = %v, want an extra output ending in %s", argv, wantSuffix)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	sched, _, _ := testScheduler(t, baseCfg(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sched.Run(ctx); err == nil {
		t.Error("Run on an already-canceled context = nil error, want ctx.Err()")
	}
}
