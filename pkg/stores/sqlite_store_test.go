package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("initializing store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrating store: %v", err)
	}
	return store
}

func TestResourceStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := engine.ObservedState{
		ProviderID: "sim-bucket-0001",
		Digest:     "abc123",
		Attrs:      map[string]string{"name": "site"},
		Outputs:    map[string]string{"endpoint": "site.storage.sim"},
		Status:     engine.NodeStatusReady,
		DependsOn:  []string{"certificate.site"},
	}
	if err := store.Record(ctx, "bucket.site", state); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, ok := loaded["bucket.site"]
	if !ok {
		t.Fatal("record missing after load")
	}
	if got.ProviderID != state.ProviderID || got.Digest != state.Digest || got.Status != state.Status {
		t.Errorf("loaded = %+v", got)
	}
	if got.Outputs["endpoint"] != "site.storage.sim" {
		t.Errorf("outputs = %v", got.Outputs)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "certificate.site" {
		t.Errorf("depends_on = %v", got.DependsOn)
	}
}

func TestRecordUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, "bucket.site", engine.ObservedState{Status: engine.NodeStatusCreating}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := store.Record(ctx, "bucket.site", engine.ObservedState{
		ProviderID: "sim-bucket-0001",
		Status:     engine.NodeStatusReady,
	}); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected one record, got %d", len(loaded))
	}
	if loaded["bucket.site"].Status != engine.NodeStatusReady {
		t.Errorf("status = %s", loaded["bucket.site"].Status)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, "bucket.site", engine.ObservedState{Status: engine.NodeStatusReady}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := store.Remove(ctx, "bucket.site"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := store.Remove(ctx, "bucket.site"); err != nil {
		t.Fatalf("second remove failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty state, got %d records", len(loaded))
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run-1",
		PlanID:    "plan-1",
		Status:    string(engine.RunStatusRunning),
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	summary := engine.RunSummary{Total: 7, Ready: 6, NoOp: 1}
	if err := store.FinishRun(ctx, "run-1", string(engine.RunStatusSucceeded), summary); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != string(engine.RunStatusSucceeded) {
		t.Errorf("status = %s", got.Status)
	}
	if got.Summary.Ready != 6 || got.CompletedAt == nil {
		t.Errorf("run = %+v", got)
	}

	if err := store.FinishRun(ctx, "run-absent", "failed", summary); err == nil {
		t.Error("finishing an unknown run succeeded")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("listed %d runs", len(runs))
	}
}

func TestEventLogOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sink := NewEventLog(store, zerolog.Nop())
	for i, msg := range []string{"run started", "executing create", "ready"} {
		sink.Publish(ctx, engine.Event{
			RunID:     "run-1",
			Node:      "bucket.site",
			Type:      engine.EventNodeReady,
			Level:     "info",
			Message:   msg,
			Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	events, err := store.ListEvents(ctx, "run-1", 10, 0)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("listed %d events", len(events))
	}
	if events[0].Message != "run started" || events[2].Message != "ready" {
		t.Errorf("events out of order: %v, %v", events[0].Message, events[2].Message)
	}
}
