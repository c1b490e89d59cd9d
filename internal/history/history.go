// Package history provides a bounded undo/redo stack over prompt-set snapshots.
package history

import (
	"fmt"

	"github.com/promptloom/promptloom/internal/types"
)

// DefaultCapacity is the default maximum number of retained snapshots.
const DefaultCapacity = 5

// Manager is a fixed-capacity ring of prompt history entries with a cursor.
// Pushing while the cursor is behind the tail discards the forward entries
// first (undo-then-edit truncation); overflow evicts from the head.
//
// Callers are responsible for applying returned snapshots to live editing
// state; the manager has no side effects beyond its own ring.
type Manager struct {
	buf    []*types.PromptHistoryEntry
	head   int // ring offset of logical index 0
	size   int
	cursor int // logical index of the current entry, -1 when empty
}

// New creates a Manager with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		buf:    make([]*types.PromptHistoryEntry, capacity),
		cursor: -1,
	}
}

// at returns the entry at a logical index.
func (m *Manager) at(i int) *types.PromptHistoryEntry {
	return m.buf[(m.head+i)%len(m.buf)]
}

// Push appends a snapshot and moves the cursor onto it. Entries past the
// cursor are discarded first; when the ring is full the oldest entry is
// evicted. Empty snapshots are ignored.
func (m *Manager) Push(entry *types.PromptHistoryEntry) {
	if entry == nil || len(entry.Prompts) == 0 {
		return
	}

	// Undo-then-edit: drop everything after the cursor.
	if m.size > 0 && m.cursor < m.size-1 {
		m.size = m.cursor + 1
	}

	if m.size == len(m.buf) {
		// Evict the oldest entry; logical indices shift down by one.
		m.head = (m.head + 1) % len(m.buf)
		m.size--
		m.cursor--
	}

	m.buf[(m.head+m.size)%len(m.buf)] = entry
	m.size++
	m.cursor = m.size - 1
}

// Undo moves the cursor back one entry and returns it. Returns nil when
// already at the oldest entry or the history is empty.
func (m *Manager) Undo() *types.PromptHistoryEntry {
	if m.cursor <= 0 {
		return nil
	}
	m.cursor--
	return m.at(m.cursor)
}

// Redo moves the cursor forward one entry and returns it. Returns nil when
// already at the tail.
func (m *Manager) Redo() *types.PromptHistoryEntry {
	if m.size == 0 || m.cursor >= m.size-1 {
		return nil
	}
	m.cursor++
	return m.at(m.cursor)
}

// GoTo jumps the cursor to an absolute position. Returns nil when the index
// is out of range.
func (m *Manager) GoTo(index int) *types.PromptHistoryEntry {
	if index < 0 || index >= m.size {
		return nil
	}
	m.cursor = index
	return m.at(m.cursor)
}

// Current returns the entry under the cursor, or nil when empty.
func (m *Manager) Current() *types.PromptHistoryEntry {
	if m.size == 0 {
		return nil
	}
	return m.at(m.cursor)
}

// Clear resets the history to empty.
func (m *Manager) Clear() {
	for i := range m.buf {
		m.buf[i] = nil
	}
	m.head = 0
	m.size = 0
	m.cursor = -1
}

// Len returns the number of retained entries.
func (m *Manager) Len() int {
	return m.size
}

// Cursor returns the logical index of the current entry, -1 when empty.
func (m *Manager) Cursor() int {
	return m.cursor
}

// CanUndo reports whether an Undo call would succeed.
func (m *Manager) CanUndo() bool {
	return m.cursor > 0
}

// CanRedo reports whether a Redo call would succeed.
func (m *Manager) CanRedo() bool {
	return m.size > 0 && m.cursor < m.size-1
}

// PositionLabel returns a human-readable "i of n" position, empty when the
// history is empty.
func (m *Manager) PositionLabel() string {
	if m.size == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d", m.cursor+1, m.size)
}

// State is the read model the UI layer consumes.
type State struct {
	Length        int    `json:"length"`
	Cursor        int    `json:"cursor"`
	CanUndo       bool   `json:"can_undo"`
	CanRedo       bool   `json:"can_redo"`
	PositionLabel string `json:"position_label"`
}

// Snapshot returns the current read model.
func (m *Manager) Snapshot() State {
	return State{
		Length:        m.size,
		Cursor:        m.cursor,
		CanUndo:       m.CanUndo(),
		CanRedo:       m.CanRedo(),
		PositionLabel: m.PositionLabel(),
	}
}
