package extractor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State holds the per-entity high-water marks of prior extraction runs.
// Cursors are ms epochs, except incidents which are ns epochs.
type State struct {
	Cursors   map[string]int64  `json:"cursors"`
	Reports   map[string]string `json:"reports,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func NewState() *State {
	return &State{
		Cursors: make(map[string]int64),
		Reports: make(map[string]string),
	}
}

func (s *State) Cursor(entity string) int64 {
	return s.Cursors[entity]
}

// Advance moves an entity cursor forward. A cursor never moves backward:
// a stale or zero observation leaves the stored watermark untouched.
func (s *State) Advance(entity string, ts int64) {
	if ts > s.Cursors[entity] {
		s.Cursors[entity] = ts
	}
}

// StateStore persists extraction state as a single JSON document.
type StateStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStateStore(path string, logger *zap.Logger) *StateStore {
	return &StateStore{
		path:   path,
		logger: logger,
	}
}

// Load returns the persisted state, or a zero-valued state on first run.
// A corrupt or unreadable file is treated as a first run rather than an
// error, with a log line for operator visibility.
func (s *StateStore) Load() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("no extraction state found, starting fresh", zap.String("path", s.path))
		return NewState()
	}
	if err != nil {
		s.logger.Warn("extraction state unreadable, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return NewState()
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("extraction state corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return NewState()
	}

	if state.Cursors == nil {
		state.Cursors = make(map[string]int64)
	}
	if state.Reports == nil {
		state.Reports = make(map[string]string)
	}

	s.logger.Info("extraction state loaded",
		zap.String("path", s.path),
		zap.Time("updated_at", state.UpdatedAt))

	return &state
}

// Save durably overwrites the persisted state. Written to a temp file,
// synced, then renamed into place.
func (s *StateStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	if file, err := os.OpenFile(tempPath, os.O_RDWR, 0644); err == nil {
		file.Sync()
		file.Close()
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return err
	}

	s.logger.Debug("extraction state saved", zap.String("path", s.path))
	return nil
}
