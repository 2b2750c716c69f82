package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Resource types.
const (
	ResourceFile = "file"
	ResourceURL  = "url"
)

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Mode      string // "assistant" or "url"
	PromptID  string // optional explicit system prompt
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	MetadataJSON   string // attached resource ids, error flags, etc.
	CreatedAt      time.Time
}

type Resource struct {
	ID             string
	ConversationID string
	Type           string // "file" or "url"
	Name           string
	MimeType       string // recorded at upload time, never re-detected
	FileURI        string // provider file handle, required for files
	URL            string
	CreatedAt      time.Time
}

type Prompt struct {
	ID         string
	OwnerID    string
	Title      string
	Content    string
	Visibility string // "private" or "public"
	CreatedAt  time.Time
}

type UsageRecord struct {
	ID               string
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMS        int64
	FileCount        int
	URLCount         int
	Streamed         bool
	Status           string // "ok", "error", "cancelled"
	Error            string
	CreatedAt        time.Time
}
