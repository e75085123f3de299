package toolbuiltin

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentcore/engine/pkg/tool"
)

const memoryRecallLimit = 20

// MemoryTool persists short text facts across conversations in a sqlite
// database with an FTS5 index, and recalls them by keyword. It has no
// embedding model to generate vector representations, so unlike a
// production memory subsystem this is keyword recall, not semantic
// similarity search.
type MemoryTool struct {
	mu sync.Mutex
	db *sql.DB
}

// NewMemoryTool opens (creating if necessary) a sqlite database at dbPath.
func NewMemoryTool(dbPath string) (*MemoryTool, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	m := &MemoryTool{db: db}
	if err := m.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MemoryTool) init() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			content, content='facts', content_rowid='id', tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (m *MemoryTool) Close() error {
	return m.db.Close()
}

func (m *MemoryTool) Name() string { return "memory" }
func (m *MemoryTool) Kind() tool.Kind { return tool.KindEdit }
func (m *MemoryTool) Description() string {
	return "Remember a short fact for later, or recall previously remembered facts by keyword."
}

func (m *MemoryTool) Schema() *tool.JSONSchema {
	return &tool.JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"remember", "recall"},
				"description": "remember: store content. recall: search stored facts by query.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Fact text to store. Required when action is \"remember\".",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keyword search query. Required when action is \"recall\".",
			},
		},
		Required: []string{"action"},
	}
}

func (m *MemoryTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	action, err := requiredString(params, "action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "remember":
		content, err := requiredString(params, "content")
		if err != nil {
			return nil, err
		}
		return m.remember(content)
	case "recall":
		query, err := requiredString(params, "query")
		if err != nil {
			return nil, err
		}
		return m.recall(query)
	default:
		return nil, fmt.Errorf("unknown action %q: must be \"remember\" or \"recall\"", action)
	}
}

func (m *MemoryTool) remember(content string) (*tool.ToolResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.Exec(`INSERT INTO facts (content) VALUES (?)`, content)
	if err != nil {
		return nil, fmt.Errorf("store fact: %w", err)
	}
	id, _ := res.LastInsertId()

	return &tool.ToolResult{
		Success: true,
		Output:  "remembered",
		Data:    map[string]interface{}{"id": id},
	}, nil
}

func (m *MemoryTool) recall(query string) (*tool.ToolResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	m.mu.Lock()
	rows, err := m.db.Query(`
		SELECT f.content FROM facts f
		JOIN facts_fts s ON f.id = s.rowid
		WHERE facts_fts MATCH ?
		ORDER BY bm25(facts_fts)
		LIMIT ?
	`, query, memoryRecallLimit)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recall facts: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan recalled fact: %w", err)
		}
		b.WriteString("- ")
		b.WriteString(content)
		b.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recalled facts: %w", err)
	}

	if count == 0 {
		return &tool.ToolResult{Success: true, Output: "no matching memories"}, nil
	}
	return &tool.ToolResult{Success: true, Output: b.String()}, nil
}
