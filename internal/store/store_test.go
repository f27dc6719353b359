package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dss/dynstream/internal/mobile"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dss.sqlite")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dss.sqlite")
	st1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	st1.Close()

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (re-migrate): %v", err)
	}
	defer st2.Close()
}

func TestSaveAndLoadProviders(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	entries := map[string]any{
		"cam": map[string]string{"prefix": "cam"},
	}
	if err := st.SaveProviders(ctx, entries); err != nil {
		t.Fatalf("SaveProviders: %v", err)
	}

	got, err := st.Providers(ctx)
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if _, ok := got["cam"]; !ok {
		t.Fatalf("Providers() = %v, want a cam entry", got)
	}
}

func TestSaveProvidersReplacesPriorCatalog(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.SaveProviders(ctx, map[string]any{"old": "x"}); err != nil {
		t.Fatalf("SaveProviders(1): %v", err)
	}
	if err := st.SaveProviders(ctx, map[string]any{"new": "y"}); err != nil {
		t.Fatalf("SaveProviders(2): %v", err)
	}

	got, err := st.Providers(ctx)
	if err != nil {
		t.Fatalf("Providers: %v", err)
	}
	if _, ok := got["old"]; ok {
		t.Error("old provider entry survived a subsequent SaveProviders call")
	}
	if _, ok := got["new"]; !ok {
		t.Error("new provider entry missing")
	}
}

func TestRecordAutoStart(t *testing.T) {
	st := testStore(t)
	if err := st.RecordAutoStart(context.Background(), "cam0"); err != nil {
		t.Fatalf("RecordAutoStart: %v", err)
	}
	// Idempotent re-record (ON CONFLICT upsert path).
	if err := st.RecordAutoStart(context.Background(), "cam0"); err != nil {
		t.Fatalf("RecordAutoStart (second call): %v", err)
	}
}

func TestUpsertSessionMintsOpaqueID(t *testing.T) {
	st := testStore(t)
	id, err := st.UpsertSession(context.Background(), "")
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if len(id) != mongoIDLength {
		t.Errorf("len(id) = %d, want %d hex chars", len(id), mongoIDLength)
	}
}

func TestUpsertSessionResumesExistingClientID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.UpsertSession(ctx, "")
	if err != nil {
		t.Fatalf("UpsertSession(create): %v", err)
	}
	if err := st.MarkInactive(ctx, id); err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}

	resumed, err := st.UpsertSession(ctx, id)
	if err != nil {
		t.Fatalf("UpsertSession(resume): %v", err)
	}
	if resumed != id {
		t.Errorf("resumed id = %q, want %q", resumed, id)
	}
}

func TestAppendPositionAccumulates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.UpsertSession(ctx, "")
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := st.AppendPosition(ctx, id, mobile.Position{Coord: [2]float64{1.5, 2.5}}); err != nil {
		t.Fatalf("AppendPosition(1): %v", err)
	}
	if err := st.AppendPosition(ctx, id, mobile.Position{Coord: [2]float64{3.5, 4.5}}); err != nil {
		t.Fatalf("AppendPosition(2): %v", err)
	}
}

func TestAppendPositionUnknownSessionFails(t *testing.T) {
	st := testStore(t)
	if err := st.AppendPosition(context.Background(), "missing", mobile.Position{}); err == nil {
		t.Error("AppendPosition(unknown session) = nil error, want one")
	}
}
