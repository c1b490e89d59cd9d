package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/promptloom/promptloom/internal/types"
)

func setupTestStore(t *testing.T) (*BoltStore, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "promptloom-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBoltStore(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func createTestSession(id string) *types.GenerationSession {
	return &types.GenerationSession{
		ID:        id,
		StartedAt: time.Now(),
		Dimensions: []types.Dimension{
			{ID: "d1", Type: types.DimEnvironment, Reference: "misty forest", Weight: 0.8,
				FilterMode: types.FilterInclude, TransformMode: types.TransformMerge},
			{ID: "d2", Type: types.DimMood, Reference: "melancholic", Weight: 0.5,
				FilterMode: types.FilterBlend, TransformMode: types.TransformAccent},
		},
		BaseImage:  "a lone cabin by a lake",
		OutputMode: types.ModeImage,
	}
}

func TestSaveAndGetSession(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	session := createTestSession(NewULID())

	if err := store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	retrieved, err := store.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}

	if retrieved.ID != session.ID {
		t.Errorf("ID mismatch: got %s, want %s", retrieved.ID, session.ID)
	}
	if retrieved.BaseImage != session.BaseImage {
		t.Errorf("BaseImage mismatch: got %s, want %s", retrieved.BaseImage, session.BaseImage)
	}
	if len(retrieved.Dimensions) != 2 {
		t.Errorf("Dimension count mismatch: got %d, want 2", len(retrieved.Dimensions))
	}
}

func TestSaveSessionUpsert(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	session := createTestSession(NewULID())
	if err := store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	now := time.Now()
	session.Satisfied = true
	session.EndedAt = &now
	session.Iterations = append(session.Iterations, types.IterationRecord{
		Timestamp: now,
		PromptIDs: []string{"p1", "p2"},
	})

	if err := store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession update failed: %v", err)
	}

	retrieved, err := store.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !retrieved.Satisfied {
		t.Error("Satisfied should persist")
	}
	if retrieved.EndedAt == nil {
		t.Error("EndedAt should persist")
	}
	if retrieved.IterationCount() != 1 {
		t.Errorf("IterationCount = %d, want 1", retrieved.IterationCount())
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := store.GetSession("nonexistent")
	if err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		session := createTestSession(NewULID())
		if err := store.SaveSession(session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		time.Sleep(time.Millisecond) // Ensure different ULIDs
	}

	results, err := store.ListSessions(3, 0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Expected 3 results, got %d", len(results))
	}

	// Most recent first: IDs should descend.
	for i := 1; i < len(results); i++ {
		if results[i].ID > results[i-1].ID {
			t.Errorf("results not in reverse chronological order at %d", i)
		}
	}

	results, err = store.ListSessions(3, 4)
	if err != nil {
		t.Fatalf("ListSessions with offset failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result with offset 4, got %d", len(results))
	}
}

func TestSearchSessions(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	s1 := createTestSession(NewULID())
	s1.BaseImage = "neon city street at night"
	s1.Dimensions = []types.Dimension{
		{ID: "d1", Type: types.DimArtStyle, Reference: "cyberpunk", Weight: 0.9},
	}
	s2 := createTestSession(NewULID())
	s2.BaseImage = "quiet mountain meadow"

	for _, s := range []*types.GenerationSession{s1, s2} {
		if err := store.SaveSession(s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	tests := []struct {
		query    string
		expected int
	}{
		{"cyberpunk", 1}, // dimension reference
		{"meadow", 1},    // base image
		{"artstyle", 1},  // dimension type, case-folded
		{"nonexistent", 0},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			results, err := store.SearchSessions(tc.query, 10)
			if err != nil {
				t.Fatalf("SearchSessions failed: %v", err)
			}
			if len(results) != tc.expected {
				t.Errorf("Query %q: expected %d results, got %d", tc.query, tc.expected, len(results))
			}
		})
	}
}

func TestDeleteSession(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	session := createTestSession(NewULID())
	if err := store.SaveSession(session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := store.DeleteSession(session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := store.GetSession(session.ID); err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound after delete, got %v", err)
	}

	if err := store.DeleteSession("nonexistent"); err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestPromptSets(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	prompts := []types.GeneratedPrompt{
		{ID: "p1", SceneNumber: 1, SceneType: types.SceneWide, Prompt: "wide shot of the lake"},
		{ID: "p2", SceneNumber: 2, SceneType: types.SceneMedium, Prompt: "medium shot of the cabin",
			Elements: []types.PromptElement{{Category: types.DimEnvironment, Text: "cabin", Locked: true}}},
	}

	id := NewULID()
	if err := store.SavePromptSet(id, prompts); err != nil {
		t.Fatalf("SavePromptSet failed: %v", err)
	}

	retrieved, err := store.GetPromptSet(id)
	if err != nil {
		t.Fatalf("GetPromptSet failed: %v", err)
	}
	if len(retrieved) != 2 {
		t.Fatalf("prompt count mismatch: got %d, want 2", len(retrieved))
	}
	if retrieved[1].Elements[0].Text != "cabin" || !retrieved[1].Elements[0].Locked {
		t.Error("elements should round-trip with lock state")
	}

	if _, err := store.GetPromptSet("nonexistent"); err != ErrPromptSetNotFound {
		t.Errorf("Expected ErrPromptSetNotFound, got %v", err)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// Fresh store yields an empty, usable model.
	model, err := store.LoadPreferences()
	if err != nil {
		t.Fatalf("LoadPreferences failed: %v", err)
	}
	if model.Styles == nil || model.Modes == nil || model.Combos == nil {
		t.Fatal("empty model should have initialized maps")
	}

	model.Styles["artStyle|cyberpunk"] = &types.StyleStat{Positive: 3, Negative: 1}
	model.StyleOrder = append(model.StyleOrder, "artStyle|cyberpunk")
	model.Modes[types.ModeImage] = types.ModeStat{TotalIterations: 6, SampleCount: 2}
	model.Combos["artStyle+mood"] = 4
	model.ComboOrder = append(model.ComboOrder, "artStyle+mood")
	model.UpdatedAt = time.Now()

	if err := store.SavePreferences(model); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}

	loaded, err := store.LoadPreferences()
	if err != nil {
		t.Fatalf("LoadPreferences failed: %v", err)
	}
	stat := loaded.Styles["artStyle|cyberpunk"]
	if stat == nil || stat.Positive != 3 || stat.Negative != 1 {
		t.Errorf("style stat mismatch: %+v", stat)
	}
	if got := loaded.Modes[types.ModeImage].AvgIterations(); got != 3.0 {
		t.Errorf("AvgIterations = %f, want 3.0", got)
	}
	if len(loaded.StyleOrder) != 1 || loaded.StyleOrder[0] != "artStyle|cyberpunk" {
		t.Errorf("StyleOrder should persist, got %v", loaded.StyleOrder)
	}
}

func TestExportImportSessions(t *testing.T) {
	store1, cleanup1 := setupTestStore(t)
	defer cleanup1()

	sessions := []*types.GenerationSession{
		createTestSession(NewULID()),
		createTestSession(NewULID()),
	}
	sessions[1].BaseImage = "desert canyon at dawn"

	for _, s := range sessions {
		if err := store1.SaveSession(s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := store1.ExportSessions(&buf); err != nil {
		t.Fatalf("ExportSessions failed: %v", err)
	}

	exported := buf.String()
	if !strings.Contains(exported, "desert canyon at dawn") {
		t.Error("export should contain session content")
	}

	store2, cleanup2 := setupTestStore(t)
	defer cleanup2()

	if err := store2.ImportSessions(strings.NewReader(exported)); err != nil {
		t.Fatalf("ImportSessions failed: %v", err)
	}

	for _, s := range sessions {
		retrieved, err := store2.GetSession(s.ID)
		if err != nil {
			t.Errorf("Failed to get imported session %s: %v", s.ID, err)
			continue
		}
		if retrieved.BaseImage != s.BaseImage {
			t.Errorf("BaseImage mismatch: got %s, want %s", retrieved.BaseImage, s.BaseImage)
		}
	}
}

func TestNewULID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewULID()
		if ids[id] {
			t.Errorf("Duplicate ULID generated: %s", id)
		}
		ids[id] = true

		if len(id) != 26 {
			t.Errorf("ULID should be 26 chars, got %d: %s", len(id), id)
		}
	}

	id1 := NewULID()
	time.Sleep(time.Millisecond)
	id2 := NewULID()
	if id2 < id1 {
		t.Errorf("Later ULID should be >= earlier ULID: %s < %s", id2, id1)
	}
}
