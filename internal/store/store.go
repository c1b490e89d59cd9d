// Package store provides the data persistence layer using BBolt.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/promptloom/promptloom/internal/types"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPromptSetNotFound is returned when a prompt set doesn't exist.
	ErrPromptSetNotFound = errors.New("prompt set not found")
)

// Bucket names
var (
	bucketSessions    = []byte("sessions")
	bucketIndex       = []byte("index")
	bucketPromptSets  = []byte("prompt_sets")
	bucketPreferences = []byte("preferences")
)

var keyPreferenceModel = []byte("model")

// Store defines the interface for engine persistence.
type Store interface {
	SaveSession(s *types.GenerationSession) error
	GetSession(id string) (*types.GenerationSession, error)
	ListSessions(limit int, offset int) ([]types.SessionSummary, error)
	SearchSessions(query string, limit int) ([]types.SessionSummary, error)
	DeleteSession(id string) error
	SavePromptSet(id string, prompts []types.GeneratedPrompt) error
	GetPromptSet(id string) ([]types.GeneratedPrompt, error)
	LoadPreferences() (*types.PreferenceModel, error)
	SavePreferences(m *types.PreferenceModel) error
	ExportSessions(w io.Writer) error
	ImportSessions(r io.Reader) error
	Close() error
}

// BoltStore implements Store using BBolt.
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

// NewBoltStore creates a new BBolt-backed store.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketIndex, bucketPromptSets, bucketPreferences} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveSession creates or updates a session. Session IDs are ULIDs, so the
// sessions bucket iterates in chronological order.
func (s *BoltStore) SaveSession(session *types.GenerationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		index := tx.Bucket(bucketIndex)

		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		if err := sessions.Put([]byte(session.ID), data); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}

		summary := session.ToSummary()
		summaryData, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		if err := index.Put([]byte(session.ID), summaryData); err != nil {
			return fmt.Errorf("failed to store summary: %w", err)
		}

		return nil
	})
}

// GetSession retrieves a session by ID.
func (s *BoltStore) GetSession(id string) (*types.GenerationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var session types.GenerationSession
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns session summaries ordered by most recent first.
func (s *BoltStore) ListSessions(limit int, offset int) ([]types.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.SessionSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		c := b.Cursor()

		// ULIDs are sortable, so reverse order = most recent first.
		var all []types.SessionSummary
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var summary types.SessionSummary
			if err := json.Unmarshal(v, &summary); err != nil {
				continue // Skip malformed entries
			}
			all = append(all, summary)
		}

		if offset >= len(all) {
			return nil
		}
		// limit <= 0 means no limit.
		end := offset + limit
		if limit <= 0 || end > len(all) {
			end = len(all)
		}
		results = all[offset:end]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SearchSessions searches sessions by keyword in the base image text and
// dimension types/references.
func (s *BoltStore) SearchSessions(query string, limit int) ([]types.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.SessionSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := sessions.Cursor()

		// Reverse order for most recent first.
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var session types.GenerationSession
			if err := json.Unmarshal(v, &session); err != nil {
				continue
			}
			if matchesQuery(&session, query) {
				results = append(results, session.ToSummary())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteSession removes a session from the store.
func (s *BoltStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		index := tx.Bucket(bucketIndex)

		if sessions.Get([]byte(id)) == nil {
			return ErrSessionNotFound
		}

		if err := sessions.Delete([]byte(id)); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// SavePromptSet stores a generated prompt set under the given ID.
func (s *BoltStore) SavePromptSet(id string, prompts []types.GeneratedPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromptSets)
		data, err := json.Marshal(prompts)
		if err != nil {
			return fmt.Errorf("failed to marshal prompt set: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// GetPromptSet retrieves a stored prompt set by ID.
func (s *BoltStore) GetPromptSet(id string) ([]types.GeneratedPrompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prompts []types.GeneratedPrompt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromptSets)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrPromptSetNotFound
		}
		return json.Unmarshal(data, &prompts)
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// LoadPreferences returns the persisted preference model, or a fresh empty
// model when none has been saved yet.
func (s *BoltStore) LoadPreferences() (*types.PreferenceModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	model := types.NewPreferenceModel()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreferences)
		data := b.Get(keyPreferenceModel)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, model)
	})
	if err != nil {
		return nil, err
	}
	// Guard against partially-written models from older versions.
	if model.Styles == nil {
		model.Styles = make(map[string]*types.StyleStat)
	}
	if model.Modes == nil {
		model.Modes = make(map[types.OutputMode]types.ModeStat)
	}
	if model.Combos == nil {
		model.Combos = make(map[string]int)
	}
	return model, nil
}

// SavePreferences persists the preference model.
func (s *BoltStore) SavePreferences(m *types.PreferenceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreferences)
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal preference model: %w", err)
		}
		return b.Put(keyPreferenceModel, data)
	})
}

// ExportSessions writes all sessions as JSONL to the writer.
func (s *BoltStore) ExportSessions(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var session types.GenerationSession
			if err := json.Unmarshal(v, &session); err != nil {
				continue
			}
			line, err := json.Marshal(session)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportSessions reads sessions from JSONL and upserts them.
func (s *BoltStore) ImportSessions(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var session types.GenerationSession
		if err := json.Unmarshal(scanner.Bytes(), &session); err != nil {
			continue // Skip malformed lines
		}
		if session.ID == "" {
			continue
		}
		if err := s.SaveSession(&session); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close closes the database connection.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NewULID generates a new ULID-like ID.
// Using a simple implementation to avoid extra dependencies.
func NewULID() string {
	t := time.Now().UTC()
	timestamp := uint64(t.UnixMilli())

	// Encode timestamp (10 chars in base32)
	const encoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	var ts [10]byte
	for i := 9; i >= 0; i-- {
		ts[i] = encoding[timestamp&31]
		timestamp >>= 5
	}

	// Generate random part (16 chars)
	var rnd [16]byte
	for i := range rnd {
		rnd[i] = encoding[rand.Intn(32)]
	}

	return string(ts[:]) + string(rnd[:])
}

// matchesQuery reports whether a session matches a case-insensitive keyword
// query across its base image and dimension references.
func matchesQuery(session *types.GenerationSession, query string) bool {
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(session.BaseImage), query) {
		return true
	}
	for _, d := range session.Dimensions {
		if strings.Contains(strings.ToLower(d.Reference), query) {
			return true
		}
		if strings.Contains(strings.ToLower(string(d.Type)), query) {
			return true
		}
	}
	return false
}
