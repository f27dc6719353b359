package provider

import (
	"errors"
	"testing"

	"github.com/dss/dynstream/internal/dsserrors"
)

func numericSpec() Spec {
	return Spec{
		Prefix:           "cam",
		InputStreamTmpl:  "rtsp://origin/{0}",
		OutputStreamTmpl: "rtmp://local/live/{0}",
		StreamList:       []string{"101", "102", "103"},
		ThumbnailLocal:   true,
	}
}

func TestNumericProviderStreams(t *testing.T) {
	p := NewNumericProvider(numericSpec())
	got := p.Streams()
	want := []string{"cam0", "cam1", "cam2"}
	if len(got) != len(want) {
		t.Fatalf("Streams() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Streams()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNumericProviderOriginID(t *testing.T) {
	p := NewNumericProvider(numericSpec())

	origin, err := p.OriginID("cam1")
	if err != nil {
		t.Fatalf("OriginID: %v", err)
	}
	if origin != "102" {
		t.Errorf("OriginID(cam1) = %q, want %q", origin, "102")
	}

	if _, err := p.OriginID("cam99"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("OriginID(out of range) err = %v, want ErrUnknownStream", err)
	}
	if _, err := p.OriginID("cam"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("OriginID(no suffix) err = %v, want ErrUnknownStream", err)
	}
}

func TestNumericProviderBuildCmd(t *testing.T) {
	p := NewNumericProvider(numericSpec())
	argv, err := p.BuildCmd("cam0")
	if err != nil {
		t.Fatalf("BuildCmd: %v", err)
	}
	if len(argv) == 0 || argv[0] != "ffmpeg" {
		t.Errorf("BuildCmd() = %v, want it to start with ffmpeg", argv)
	}
}

func TestNumericProviderSourceHelpers(t *testing.T) {
	p := NewNumericProvider(numericSpec())
	if got := p.LocalSource("cam0"); got != "rtmp://local/live/cam0" {
		t.Errorf("LocalSource(cam0) = %q", got)
	}
	originID, url, err := p.OriginSource("cam0")
	if err != nil {
		t.Fatalf("OriginSource: %v", err)
	}
	if originID != "101" || url != "rtsp://origin/101" {
		t.Errorf("OriginSource(cam0) = (%q, %q), want (101, rtsp://origin/101)", originID, url)
	}
	if !p.ThumbnailLocal() {
		t.Error("ThumbnailLocal() = false, want true")
	}
}

func namedSpec() Spec {
	return Spec{
		Prefix:           "yard",
		InputStreamTmpl:  "rtsp://origin/{0}",
		OutputStreamTmpl: "rtmp://local/live/{0}",
		StreamList:       []string{"front-door", "back-garden"},
	}
}

func TestNamedProviderOriginID(t *testing.T) {
	p := NewNamedProvider(namedSpec())
	origin, err := p.OriginID("yard1")
	if err != nil {
		t.Fatalf("OriginID: %v", err)
	}
	if origin != "back-garden" {
		t.Errorf("OriginID(yard1) = %q, want back-garden", origin)
	}
	if _, err := p.OriginID("yard5"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("OriginID(out of range) err = %v, want ErrUnknownStream", err)
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := NewRegistry([]Provider{
		NewNumericProvider(numericSpec()),
		NewNamedProvider(namedSpec()),
	})

	p, err := reg.Select("cam2")
	if err != nil {
		t.Fatalf("Select(cam2): %v", err)
	}
	if p.Prefix() != "cam" {
		t.Errorf("Select(cam2).Prefix() = %q, want cam", p.Prefix())
	}

	if _, err := reg.Select("unknown0"); !errors.Is(err, dsserrors.ErrUnknownStream) {
		t.Errorf("Select(unknown prefix) err = %v, want ErrUnknownStream", err)
	}
}

func TestRegistryAllListsEveryProvider(t *testing.T) {
	reg := NewRegistry([]Provider{
		NewNumericProvider(numericSpec()),
		NewNamedProvider(namedSpec()),
	})
	if got := len(reg.All()); got != 2 {
		t.Errorf("All() len = %d, want 2", got)
	}
}

func TestBuildCmdRejectsEmptyInputTemplate(t *testing.T) {
	spec := numericSpec()
	spec.InputStreamTmpl = ""
	p := NewNumericProvider(spec)
	if _, err := p.BuildCmd("cam0"); err == nil {
		t.Error("BuildCmd() with empty input template = nil error, want one")
	}
}
