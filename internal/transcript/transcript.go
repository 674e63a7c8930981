// Package transcript models persisted session transcripts: the NDJSON
// entry format, the read-side projections built from it, the store
// contract and the per-run accumulator that writes it.
package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	EntryUser      = "user"
	EntryAssistant = "assistant"

	titleMaxRunes = 50
)

// Entry is one transcript line.
type Entry struct {
	Type      string    `json:"type"`
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionInfo is the listing projection of a stored transcript.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	FilePath   string    `json:"file_path"`
}

// SessionData is a stored transcript with its messages parsed out.
// Content keeps the raw NDJSON for appends.
type SessionData struct {
	SessionID  string            `json:"session_id"`
	Messages   []json.RawMessage `json:"messages"`
	Title      string            `json:"title,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
	Content    string            `json:"-"`
}

// Store persists transcripts keyed by session id. Get returns nil, nil
// for an unknown id and Update of an unknown id creates it.
type Store interface {
	Create(ctx context.Context, id, content string) (*SessionData, error)
	Get(ctx context.Context, id string) (*SessionData, error)
	List(ctx context.Context) ([]SessionInfo, error)
	Update(ctx context.Context, id, content string) (*SessionData, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Encode renders entries as newline-delimited JSON without a trailing
// newline.
func Encode(entries []Entry) (string, error) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return "", err
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n"), nil
}

// Append joins two NDJSON documents.
func Append(existing, addition string) string {
	existing = strings.TrimRight(existing, "\n")
	switch {
	case existing == "":
		return addition
	case addition == "":
		return existing
	}
	return existing + "\n" + addition
}

// scanLines calls fn with each decodable JSON object line. Lines that
// fail to parse are skipped.
func scanLines(content string, fn func(raw []byte, head entryHead) bool) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var head entryHead
		if err := json.Unmarshal(line, &head); err != nil {
			continue
		}
		if !fn(line, head) {
			return
		}
	}
}

type entryHead struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// ParseMessages returns the message objects of all user and assistant
// entries, in order.
func ParseMessages(content string) []json.RawMessage {
	messages := []json.RawMessage{}
	scanLines(content, func(_ []byte, head entryHead) bool {
		if (head.Type == EntryUser || head.Type == EntryAssistant) && len(head.Message) > 0 && string(head.Message) != "null" {
			messages = append(messages, append(json.RawMessage(nil), head.Message...))
		}
		return true
	})
	return messages
}

// Title is derived from the first user entry with plain text content.
// It returns "" when there is none.
func Title(content string) string {
	var title string
	scanLines(content, func(_ []byte, head entryHead) bool {
		if head.Type != EntryUser || len(head.Message) == 0 {
			return true
		}
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(head.Message, &msg) != nil {
			return true
		}
		var text string
		if json.Unmarshal(msg.Content, &text) != nil || text == "" {
			return true
		}
		title = strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
		if utf8.RuneCountInString(title) > titleMaxRunes {
			title = string([]rune(title)[:titleMaxRunes]) + "..."
		}
		return false
	})
	return title
}

// FallbackTitle is shown for transcripts without a usable user entry.
func FallbackTitle(id string) string {
	if utf8.RuneCountInString(id) > 8 {
		id = string([]rune(id)[:8])
	}
	return id + "..."
}

// ListingTitle is Title with the listing fallback applied.
func ListingTitle(id, content string) string {
	if title := Title(content); title != "" {
		return title
	}
	return FallbackTitle(id)
}

// FirstTimestamp returns the timestamp of the earliest-written entry
// that carries one.
func FirstTimestamp(content string) (time.Time, bool) {
	var ts time.Time
	scanLines(content, func(raw []byte, _ entryHead) bool {
		var e struct {
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Timestamp == "" {
			return true
		}
		parsed, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			// Zone-less ISO timestamps from older writers are UTC.
			parsed, err = time.ParseInLocation("2006-01-02T15:04:05.999999999", e.Timestamp, time.UTC)
			if err != nil {
				return true
			}
		}
		ts = parsed
		return false
	})
	return ts, !ts.IsZero()
}

// NewSessionData builds the read projection of content.
func NewSessionData(id, content string, createdAt, modifiedAt time.Time) *SessionData {
	return &SessionData{
		SessionID:  id,
		Messages:   ParseMessages(content),
		Title:      Title(content),
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
		Content:    content,
	}
}

// SortNewestFirst orders infos by modification time, most recent
// first, breaking ties by id.
func SortNewestFirst(infos []SessionInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].ModifiedAt.Equal(infos[j].ModifiedAt) {
			return infos[i].ModifiedAt.After(infos[j].ModifiedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})
}
