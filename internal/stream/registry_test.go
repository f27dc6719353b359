package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dss/dynstream/internal/dsserrors"
	"github.com/dss/dynstream/internal/procutil"
	"github.com/dss/dynstream/internal/provider"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	providers := provider.NewRegistry([]provider.Provider{
		provider.NewNumericProvider(provider.Spec{
			Prefix:           "cam",
			InputStreamTmpl:  "rtsp://origin/{0}",
			OutputStreamTmpl: "rtmp://local/live/{0}",
			StreamList:       []string{"101", "102"},
		}),
	})
	runner := procutil.NewRunner(t.TempDir())
	return NewRegistry(providers, runner, 30*time.Millisecond, 30*time.Millisecond, nil, testLogger())
}

func TestRegistryGetCreatesLazily(t *testing.T) {
	reg := testRegistry(t)
	if _, ok := reg.Lookup("cam0"); ok {
		t.Fatal("Lookup before Get found a supervisor that shouldn't exist yet")
	}
	sup, err := reg.Get("cam0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sup.ID() != "cam0" {
		t.Errorf("ID() = %q, want cam0", sup.ID())
	}
	again, err := reg.Get("cam0")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if again != sup {
		t.Error("Get on the same id returned a different supervisor instance")
	}
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	reg := testRegistry(t)
	if _, err := reg.Get("nope0"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("Get(unknown prefix) err = %v, want ErrUnknownStream", err)
	}
}

func TestRegistryGetOutOfRangeSuffix(t *testing.T) {
	reg := testRegistry(t)
	if _, err := reg.Get("cam99"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("Get(out-of-range suffix) err = %v, want ErrUnknownStream", err)
	}
}

func TestRegistryStopUnknownStream(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Stop("cam0"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("Stop(never started) err = %v, want ErrUnknownStream", err)
	}
}

func TestRegistryPublishStartUnknownAndNotAlive(t *testing.T) {
	reg := testRegistry(t)

	if err := reg.PublishStart("cam0"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("PublishStart(never referenced) err = %v, want ErrUnknownStream", err)
	}

	if _, err := reg.Get("cam0"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := reg.PublishStart("cam0"); !errors.Is(err, dsserrors.ErrNotAlive) {
		t.Errorf("PublishStart(known but not started) err = %v, want ErrNotAlive", err)
	}
}

func TestRegistryPublishStartRecordsWarmup(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Start("cam0", 1, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Inc's procStart marks the supervisor alive synchronously, before the
	// lifecycle goroutine has even attempted its first spawn, so
	// PublishStart can be exercised immediately without racing the
	// (here, nonexistent) ffmpeg binary's actual spawn/respawn cycle.
	sup, ok := reg.Lookup("cam0")
	if !ok {
		t.Fatal("Lookup(cam0) after Start = not found")
	}
	if !sup.Alive() {
		t.Fatal("supervisor not alive immediately after Start")
	}

	if err := reg.PublishStart("cam0"); err != nil {
		t.Errorf("PublishStart: %v", err)
	}
	if err := reg.PublishStop("cam0"); err != nil {
		t.Errorf("PublishStop: %v", err)
	}

	sup.ProcStop(true)
}

func TestRegistryStartAfterTerminateAllFails(t *testing.T) {
	reg := testRegistry(t)
	reg.TerminateAll()
	if err := reg.Start("cam0", 1, 0); err == nil {
		t.Error("Start after TerminateAll = nil error, want one")
	}
}

type fakeAutoStartRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeAutoStartRecorder) RecordAutoStart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeAutoStartRecorder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

func TestBootstrapRecordsOnlyConfiguredAutoStarts(t *testing.T) {
	reg := testRegistry(t)
	rec := &fakeAutoStartRecorder{}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No upstream stats server is listening; Bootstrap must tolerate the
	// fetch failure and still apply the configured auto_start directives.
	err := reg.Bootstrap(ctx, &http.Client{Timeout: 100 * time.Millisecond}, BootstrapConfig{
		HTTPAddr:  "http://127.0.0.1:0",
		StatURL:   "/stat",
		AutoStart: []string{"cam0", "cam1", "unknown0"},
		Recorder:  rec,
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	got := rec.recorded()
	if len(got) != 2 || got[0] != "cam0" || got[1] != "cam1" {
		t.Errorf("recorded ids = %v, want [cam0 cam1] (unknown0 should fail Start and not be recorded)", got)
	}
}
