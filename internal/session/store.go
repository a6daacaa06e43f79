package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samsaffron/tau/internal/agent"
)

// ErrNotFound is returned when a session reference matches nothing.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error

	// Resolve finds a session by full id, "#N"/N session number, unique id
	// prefix, or "last" for the most recently updated session.
	Resolve(ctx context.Context, ref string) (*Session, error)

	// Listing and search
	List(ctx context.Context, opts ListOptions) ([]SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Conversation persistence
	SaveConversation(ctx context.Context, id string, conv agent.Conversation) error
	LoadConversation(ctx context.Context, id string) (*agent.Conversation, error)
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)

	// Lifecycle
	Close() error
}

// Config holds session storage configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`      // Master switch
	MaxAgeDays int    `mapstructure:"max_age_days"` // Auto-delete after N days (0=never)
	MaxCount   int    `mapstructure:"max_count"`    // Keep at most N sessions (0=unlimited)
	Path       string `mapstructure:"path"`         // Database path override
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxAgeDays: 0, // Never auto-delete
		MaxCount:   0, // Unlimited
	}
}

// GetDataDir returns the XDG data directory for tau.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tau"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tau"), nil
}

// GetDBPath returns the path to the sessions database.
func GetDBPath(cfg Config) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "sessions.db"), nil
}

// NewStore creates a new Store based on the configuration.
// If sessions are disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}

// Recorder adapts a Store to the agent's persistence hook for one session.
type Recorder struct {
	store Store
	id    string
}

// NewRecorder returns an agent.Store that writes to session id.
func NewRecorder(store Store, id string) *Recorder {
	return &Recorder{store: store, id: id}
}

// Save implements agent.Store.
func (r *Recorder) Save(ctx context.Context, conv agent.Conversation) error {
	return r.store.SaveConversation(ctx, r.id, conv)
}
