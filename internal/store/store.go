package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"tv-signal-bot/internal/metrics"
)

// Document keys, versioned so format migrations can coexist.
const (
	DocFSM    = "fsm-v1"
	DocSignal = "signal-v1"
	DocTrade  = "trade-v1"
)

// debounce is the minimum spacing between writes of the same document set.
const debounce = time.Second

// Store persists JSON documents in a sqlite table, write-debounced. Saves
// register a snapshot function; the latest state is marshalled at flush
// time, so bursts collapse into one write.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[string]func() any
	timer   *time.Timer
	closed  bool
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	log.Info().Str("path", path).Msg("state store initialized")
	return &Store{db: db, pending: make(map[string]func() any)}, nil
}

// Load reads one document. Missing or unreadable documents yield ok=false;
// callers fall back to empty state.
func (s *Store) Load(key string) ([]byte, bool) {
	var body string
	err := s.db.QueryRow("SELECT body FROM documents WHERE key = ?", key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("document load failed, starting empty")
		return nil, false
	}
	return []byte(body), true
}

// Save schedules a debounced write of a document. snapshot is called at
// flush time to capture the then-current state.
func (s *Store) Save(key string, snapshot func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[key] = snapshot
	if s.timer == nil {
		s.timer = time.AfterFunc(debounce, s.flushDebounced)
	}
}

func (s *Store) flushDebounced() {
	s.mu.Lock()
	s.timer = nil
	pending := s.pending
	s.pending = make(map[string]func() any)
	s.mu.Unlock()
	s.write(pending)
}

// Flush writes all pending documents synchronously. Called at shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = make(map[string]func() any)
	s.mu.Unlock()
	s.write(pending)
}

func (s *Store) write(pending map[string]func() any) {
	if len(pending) == 0 {
		return
	}
	now := time.Now().Unix()
	for key, snapshot := range pending {
		body, err := json.Marshal(snapshot())
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("document marshal failed")
			continue
		}
		_, err = s.db.Exec(`
			INSERT OR REPLACE INTO documents (key, body, updated_at)
			VALUES (?, ?, ?)`, key, string(body), now)
		if err != nil {
			// Swallowed; the next debounced write retries.
			log.Warn().Err(err).Str("key", key).Msg("document write failed")
			continue
		}
	}
	metrics.IncPersistFlush()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
