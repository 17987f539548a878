package memory

import (
	"testing"
	"time"

	"brewva/internal/config"
	"brewva/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), WithStoreLogger(logging.Nop()))
}

func TestAddDeduplicatesByFingerprint(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	first, err := store.Add("s", Unit{Content: "postgres connection pooling is capped at 20", Confidence: 0.5})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := store.Add("s", Unit{Content: "postgres connection pooling is capped at 20", Confidence: 0.9})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same content must keep one unit, got %s and %s", first.ID, second.ID)
	}
	units, err := store.Units("s")
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected one unit, got %d", len(units))
	}
	if units[0].Confidence != 0.9 {
		t.Fatalf("re-add must refresh confidence, got %f", units[0].Confidence)
	}
}

func TestUnitsPersistAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, WithStoreLogger(logging.Nop()))
	if _, err := store.Add("s", Unit{Content: "the build uses make, not bazel"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	fresh := NewStore(dir, WithStoreLogger(logging.Nop()))
	units, err := fresh.Units("s")
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 1 || units[0].Content != "the build uses make, not bazel" {
		t.Fatalf("unit must survive restart, got %+v", units)
	}
}

func TestSupersededUnitsSuppressed(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	unit, err := store.Add("s", Unit{Content: "api tokens live in the env file", Confidence: 0.8})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Supersede("s", unit.ID); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	recaller := NewRecaller(store, config.MemoryConfig{}, WithRecallerLogger(logging.Nop()))
	hits, err := recaller.Recall("s", "api tokens env", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("superseded units must not recall, got %+v", hits)
	}
}

func TestRecallRanksLexicalOverlap(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.Add("s", Unit{Content: "migrations run against the postgres schema nightly", Confidence: 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add("s", Unit{Content: "frontend bundles are cached by the cdn", Confidence: 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}

	recaller := NewRecaller(store, config.MemoryConfig{}, WithRecallerLogger(logging.Nop()))
	hits, err := recaller.Recall("s", "postgres schema migrations", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected hits")
	}
	if hits[0].Unit.Content != "migrations run against the postgres schema nightly" {
		t.Fatalf("lexical match must rank first, got %q", hits[0].Unit.Content)
	}
	if hits[0].Breakdown.Lexical <= 0 {
		t.Fatalf("breakdown must report lexical overlap, got %+v", hits[0].Breakdown)
	}
}

func TestAliasExpansionMatchesSynonyms(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.Add("s", Unit{Content: "the postgres instance is read only on weekends", Confidence: 0.5}); err != nil {
		t.Fatalf("add: %v", err)
	}

	recaller := NewRecaller(store, config.MemoryConfig{}, WithRecallerLogger(logging.Nop()))
	hits, err := recaller.Recall("s", "db maintenance window", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) == 0 || hits[0].Breakdown.Lexical <= 0 {
		t.Fatalf("db must expand to postgres, got %+v", hits)
	}
}

func TestWeakSemanticFloor(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	// Fresh and confident: qualifies through the weak-semantic floor.
	if _, err := store.Add("s", Unit{Content: "release branches freeze on fridays", Confidence: 1.0}); err != nil {
		t.Fatalf("add: %v", err)
	}

	recaller := NewRecaller(store, config.MemoryConfig{}, WithRecallerLogger(logging.Nop()))
	hits, err := recaller.Recall("s", "kubernetes ingress", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 1 || !hits[0].Breakdown.WeakSemantic {
		t.Fatalf("fresh confident unit must pass the weak-semantic floor, got %+v", hits)
	}

	// A stale, low-confidence unit with zero overlap does not qualify.
	old := NewStore(t.TempDir(), WithStoreLogger(logging.Nop()),
		WithStoreClock(func() time.Time { return time.Now().Add(-90 * 24 * time.Hour) }))
	if _, err := old.Add("s", Unit{Content: "release branches freeze on fridays", Confidence: 0.05}); err != nil {
		t.Fatalf("add: %v", err)
	}
	staleRecaller := NewRecaller(old, config.MemoryConfig{}, WithRecallerLogger(logging.Nop()))
	hits, err = staleRecaller.Recall("s", "kubernetes ingress", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("stale low-confidence unit must be filtered, got %+v", hits)
	}
}

func TestRebuildMissingOnly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	existing, err := store.Add("s", Unit{Content: "keep me", Confidence: 0.9})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	err = store.RebuildMissingOnly("s", []Unit{
		{ID: "stale", Content: "keep me", Confidence: 0.1},
		{ID: "new", Content: "checkpoint only unit", Confidence: 0.5, Fingerprint: Fingerprint("checkpoint only unit")},
	})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	units, err := store.Units("s")
	if err != nil {
		t.Fatalf("units: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	for _, u := range units {
		if u.Fingerprint == existing.Fingerprint && u.Confidence != 0.9 {
			t.Fatalf("existing unit must not be overwritten, got %+v", u)
		}
	}
}
