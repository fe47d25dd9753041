package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store persists the identity triple between restarts, plus a long-lived
// device id that survives session teardown and gives the device a stable
// identity for self-join detection.
type Store interface {
	// Load returns the persisted triple. ok is false when no complete
	// triple exists; a partial triple found in storage is cleared and
	// reported absent.
	Load() (Identity, bool, error)
	Save(Identity) error
	Clear() error

	// DeviceID returns the stable device identifier, minting and
	// persisting one on first use.
	DeviceID() (string, error)
}

const (
	keySessionID = "session_id"
	keyClientID  = "client_id"
	keyRole      = "role"
	keyDeviceID  = "device_id"
)

// FileStore is a sqlite-backed Store. A single key/value table holds the
// triple and the device id; the triple keys are cleared as a unit, the
// device id is not.
type FileStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenFileStore opens (or creates) the identity database at path.
func OpenFileStore(path string) (*FileStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	createQuery := `
    CREATE TABLE IF NOT EXISTS identity (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    )
    `
	if _, err := db.Exec(createQuery); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity table: %w", err)
	}

	return &FileStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *FileStore) Close() error {
	return s.db.Close()
}

func (s *FileStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM identity WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (s *FileStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, err := s.get(keySessionID)
	if err != nil {
		return Identity{}, false, err
	}
	clientID, err := s.get(keyClientID)
	if err != nil {
		return Identity{}, false, err
	}
	role, err := s.get(keyRole)
	if err != nil {
		return Identity{}, false, err
	}

	id := Identity{SessionID: sessionID, ClientID: clientID, Role: Role(role)}
	if !id.Complete() {
		// A partial triple is never valid. Clear the remnants so a later
		// restore does not trip over them.
		if sessionID != "" || clientID != "" || role != "" {
			log.Warn().
				Str("session_id", sessionID).
				Str("client_id", clientID).
				Str("role", role).
				Msg("clearing partial identity triple")
			if err := s.clearLocked(); err != nil {
				return Identity{}, false, err
			}
		}
		return Identity{}, false, nil
	}

	return id, true, nil
}

func (s *FileStore) Save(id Identity) error {
	if !id.Complete() {
		return fmt.Errorf("refusing to persist partial identity triple")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin identity save: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO identity (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	for key, value := range map[string]string{
		keySessionID: id.SessionID,
		keyClientID:  id.ClientID,
		keyRole:      string(id.Role),
	} {
		if _, err := tx.Exec(upsert, key, value); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	return tx.Commit()
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *FileStore) clearLocked() error {
	_, err := s.db.Exec(`DELETE FROM identity WHERE key IN (?, ?, ?)`, keySessionID, keyClientID, keyRole)
	if err != nil {
		return fmt.Errorf("clear identity triple: %w", err)
	}
	return nil
}

func (s *FileStore) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID, err := s.get(keyDeviceID)
	if err != nil {
		return "", err
	}
	if deviceID != "" {
		return deviceID, nil
	}

	deviceID = uuid.New().String()
	if _, err := s.db.Exec(`INSERT INTO identity (key, value) VALUES (?, ?)`, keyDeviceID, deviceID); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}

	log.Info().Str("device_id", deviceID).Msg("minted device identity")
	return deviceID, nil
}

// MemStore is an in-memory Store for tests and throwaway local mode.
type MemStore struct {
	mu       sync.Mutex
	id       Identity
	present  bool
	deviceID string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || !s.id.Complete() {
		return Identity{}, false, nil
	}
	return s.id, true, nil
}

func (s *MemStore) Save(id Identity) error {
	if !id.Complete() {
		return fmt.Errorf("refusing to persist partial identity triple")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.present = true
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = Identity{}
	s.present = false
	return nil
}

func (s *MemStore) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		s.deviceID = uuid.New().String()
	}
	return s.deviceID, nil
}
