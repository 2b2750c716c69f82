package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for conversations, messages,
// resources, prompts, and usage records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "loom.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Conversations ---

func (s *Store) CreateConversation(c Conversation) error {
	now := formatTime(time.Now())
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = formatTime(c.CreatedAt)
	}
	mode := c.Mode
	if mode == "" {
		mode = "assistant"
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, title, mode, prompt_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, mode, c.PromptID, createdAt, createdAt,
	)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, title, mode, prompt_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Mode, &c.PromptID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// TouchConversation bumps the conversation's updated_at timestamp.
func (s *Store) TouchConversation(id string) error {
	res, err := s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *Store) SaveMessage(m Message) error {
	createdAt := formatTime(time.Now())
	if !m.CreatedAt.IsZero() {
		createdAt = formatTime(m.CreatedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.MetadataJSON, createdAt,
	)
	return err
}

func (s *Store) scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.MetadataJSON, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// RecentMessages returns the last limit messages of the conversation in
// chronological order (oldest first).
func (s *Store) RecentMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, metadata_json, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesForConversation returns the full transcript in chronological order.
func (s *Store) MessagesForConversation(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, metadata_json, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	return s.scanMessages(rows)
}

// --- Resources ---

func (s *Store) AddResource(r Resource) error {
	createdAt := formatTime(time.Now())
	if !r.CreatedAt.IsZero() {
		createdAt = formatTime(r.CreatedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO resources (id, conversation_id, type, name, mime_type, file_uri, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.Type, r.Name, r.MimeType, r.FileURI, r.URL, createdAt,
	)
	return err
}

func (s *Store) ResourcesForConversation(conversationID string) ([]Resource, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, type, name, mime_type, file_uri, url, created_at
		FROM resources WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Resource
	for rows.Next() {
		var r Resource
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Type, &r.Name, &r.MimeType, &r.FileURI, &r.URL, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Prompts ---

func (s *Store) CreatePrompt(p Prompt) error {
	createdAt := formatTime(time.Now())
	if !p.CreatedAt.IsZero() {
		createdAt = formatTime(p.CreatedAt)
	}
	visibility := p.Visibility
	if visibility == "" {
		visibility = "private"
	}
	_, err := s.db.Exec(`
		INSERT INTO prompts (id, owner_id, title, content, visibility, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.Content, visibility, createdAt,
	)
	return err
}

// SystemPrompt returns the prompt only if the requester owns it or it is
// public. A prompt the requester may not read is reported as ErrNotFound.
func (s *Store) SystemPrompt(promptID, requesterID string) (Prompt, error) {
	var p Prompt
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, owner_id, title, content, visibility, created_at
		FROM prompts WHERE id = ? AND (owner_id = ? OR visibility = 'public')`,
		promptID, requesterID,
	).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Content, &p.Visibility, &createdAt)
	if err == sql.ErrNoRows {
		return Prompt{}, ErrNotFound
	}
	if err != nil {
		return Prompt{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Prompt{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

// --- Usage records ---

func (s *Store) SaveUsageRecord(u UsageRecord) error {
	createdAt := formatTime(time.Now())
	if !u.CreatedAt.IsZero() {
		createdAt = formatTime(u.CreatedAt)
	}
	streamed := 0
	if u.Streamed {
		streamed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, conversation_id, model, prompt_tokens, completion_tokens,
			cost_usd, latency_ms, file_count, url_count, streamed, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ConversationID, u.Model, u.PromptTokens, u.CompletionTokens,
		u.CostUSD, u.LatencyMS, u.FileCount, u.URLCount, streamed, u.Status, u.Error, createdAt,
	)
	return err
}

func (s *Store) UsageForConversation(conversationID string) ([]UsageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, model, prompt_tokens, completion_tokens,
			cost_usd, latency_ms, file_count, url_count, streamed, status, error, created_at
		FROM usage_records WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UsageRecord
	for rows.Next() {
		var u UsageRecord
		var streamed int
		var createdAt string
		if err := rows.Scan(&u.ID, &u.ConversationID, &u.Model, &u.PromptTokens, &u.CompletionTokens,
			&u.CostUSD, &u.LatencyMS, &u.FileCount, &u.URLCount, &streamed, &u.Status, &u.Error, &createdAt); err != nil {
			return nil, err
		}
		u.Streamed = streamed != 0
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		u.CreatedAt = t
		results = append(results, u)
	}
	return results, rows.Err()
}
