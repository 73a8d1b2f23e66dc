package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/browser"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSessionInvalid reports that a stored session no longer authenticates
// against the target. It is non-fatal: the caller falls back to interactive
// login.
var ErrSessionInvalid = errors.New("stored session is no longer valid")

// State is the persisted session blob. Validity is never derived from the
// blob itself; it is established empirically by Prober.Probe.
type State struct {
	Origin  string    `json:"origin"`
	SavedAt time.Time `json:"saved_at"`
	browser.StateSnapshot
}

// Store persists session state at a fixed path.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store backed by the file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger.Named("session_store")}
}

// Load reads the stored session. A missing or malformed file is not an
// error; it simply means the run must authenticate.
func (s *Store) Load() (*State, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("Session file unreadable.", zap.Error(err))
		}
		return nil, false
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("Session file malformed; ignoring it.", zap.Error(err))
		return nil, false
	}

	s.logger.Debug("Loaded stored session.",
		zap.String("origin", st.Origin),
		zap.Time("saved_at", st.SavedAt),
		zap.Int("cookies", len(st.Cookies)),
	)
	return &st, true
}

// Save atomically overwrites the stored session. The blob is written to a
// temp file in the same directory and renamed into place, so a crash
// mid-write never corrupts a previously valid session file.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set session file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.Info("Session persisted.", zap.String("path", s.path))
	return nil
}
