// Package store persists conversation payloads per client in a SQL
// database. SQLite is the default backend; a postgres URL switches the
// driver. Schema management goes through embedded migrations.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kexinoh/free-OKC/internal/config"
	"github.com/kexinoh/free-OKC/internal/deploy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a conversation does not exist for the
// requesting client.
var ErrNotFound = errors.New("conversation not found")

// ErrClientMismatch is returned when a save targets a conversation owned
// by a different client.
var ErrClientMismatch = errors.New("conversation belongs to another client")

// Options tune the database connection.
type Options struct {
	Echo     bool
	PoolSize int
}

// Conversations stores conversation graphs keyed by conversation id.
type Conversations struct {
	db          *sql.DB
	driver      string
	echo        bool
	deployments *deploy.Store
}

// Open connects to the database named by rawURL ("sqlite://<path>" or a
// postgres URL), applies pending migrations and returns the store. The
// optional deployment store is used to cascade deletes.
func Open(rawURL string, opts Options, deployments *deploy.Store) (*Conversations, error) {
	driver, dsn, err := splitURL(rawURL)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("prepare store directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite needs a single writer connection.
		db.SetMaxOpenConns(1)
	} else if opts.PoolSize > 0 {
		db.SetMaxOpenConns(opts.PoolSize)
	}

	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("conversation store ready", "driver", driver)
	return &Conversations{db: db, driver: driver, echo: opts.Echo, deployments: deployments}, nil
}

// Close releases the connection pool.
func (c *Conversations) Close() error { return c.db.Close() }

func splitURL(rawURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(rawURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(rawURL, "sqlite://"), nil
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return "postgres", rawURL, nil
	}
	return "", "", fmt.Errorf("unsupported conversation store url %q", rawURL)
}

func runMigrations(db *sql.DB, driver string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var migrator *migrate.Migrate
	switch driver {
	case "sqlite":
		instance, instErr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if instErr != nil {
			return fmt.Errorf("migration driver: %w", instErr)
		}
		migrator, err = migrate.NewWithInstance("iofs", source, "sqlite", instance)
	case "postgres":
		instance, instErr := migratepg.WithInstance(db, &migratepg.Config{})
		if instErr != nil {
			return fmt.Errorf("migration driver: %w", instErr)
		}
		migrator, err = migrate.NewWithInstance("iofs", source, "postgres", instance)
	default:
		return fmt.Errorf("no migration driver for %q", driver)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (c *Conversations) rebind(query string) string {
	if c.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Conversations) exec(query string, args ...interface{}) (sql.Result, error) {
	if c.echo {
		slog.Debug("store exec", "query", query)
	}
	return c.db.Exec(c.rebind(query), args...)
}

func (c *Conversations) query(query string, args ...interface{}) (*sql.Rows, error) {
	if c.echo {
		slog.Debug("store query", "query", query)
	}
	return c.db.Query(c.rebind(query), args...)
}

const recordColumns = `id, client_id, title, created_at, updated_at, payload,
	workspace_root, workspace_mount, workspace_session, git_commit, git_dirty`

type record struct {
	ID               string
	ClientID         string
	Title            string
	CreatedAt        string
	UpdatedAt        string
	Payload          string
	WorkspaceRoot    sql.NullString
	WorkspaceMount   sql.NullString
	WorkspaceSession sql.NullString
	GitCommit        sql.NullString
	GitDirty         sql.NullString
}

func scanRecord(rows *sql.Rows) (*record, error) {
	var rec record
	err := rows.Scan(&rec.ID, &rec.ClientID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.Payload, &rec.WorkspaceRoot, &rec.WorkspaceMount, &rec.WorkspaceSession,
		&rec.GitCommit, &rec.GitDirty)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the client's conversations, most recently updated first.
func (c *Conversations) List(clientID string) ([]map[string]interface{}, error) {
	rows, err := c.query(
		`SELECT `+recordColumns+` FROM okc_conversations WHERE client_id = ? ORDER BY updated_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec.toPayload())
	}
	return out, rows.Err()
}

// Get returns one conversation payload. A conversation owned by another
// client is reported as not found.
func (c *Conversations) Get(clientID, conversationID string) (map[string]interface{}, error) {
	rec, err := c.fetch(conversationID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ClientID != clientID {
		return nil, ErrNotFound
	}
	return rec.toPayload(), nil
}

func (c *Conversations) fetch(conversationID string) (*record, error) {
	rows, err := c.query(`SELECT `+recordColumns+` FROM okc_conversations WHERE id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecord(rows)
}

// Save upserts a conversation payload. A payload without an id gets a
// generated one; saving over another client's conversation fails.
func (c *Conversations) Save(clientID string, conversation map[string]interface{}) (map[string]interface{}, error) {
	conversationID := normaliseString(conversation["id"])
	if conversationID == "" {
		conversationID = uuid.Must(uuid.NewV7()).String()
		conversation["id"] = conversationID
	}

	now := time.Now().UTC()
	createdAt := normaliseTimestamp(conversation["createdAt"], now)
	updatedAt := normaliseTimestamp(conversation["updatedAt"], createdAt)
	title := normaliseString(conversation["title"])
	if title == "" {
		title = "新的会话"
	}

	var workspaceRoot, workspaceMount, workspaceSession, gitCommit string
	var gitDirty interface{}
	if workspaceInfo, ok := conversation["workspace"].(map[string]interface{}); ok {
		if paths, ok := workspaceInfo["paths"].(map[string]interface{}); ok {
			workspaceRoot = normaliseString(firstOf(paths, "internal_root", "internalRoot"))
			workspaceMount = normaliseString(paths["mount"])
			workspaceSession = normaliseString(firstOf(paths, "session_id", "sessionId"))
		}
		if git, ok := workspaceInfo["git"].(map[string]interface{}); ok {
			gitCommit = normaliseString(firstOf(git, "commit", "head"))
			if dirty, known := normaliseBool(git["is_dirty"]); known {
				if dirty {
					gitDirty = "1"
				} else {
					gitDirty = "0"
				}
			}
		}
	}

	payloadJSON, err := json.Marshal(conversation)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}

	existing, err := c.fetch(conversationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ClientID != clientID {
			return nil, ErrClientMismatch
		}
		_, err = c.exec(
			`UPDATE okc_conversations SET title = ?, updated_at = ?, payload = ?,
				workspace_root = ?, workspace_mount = ?, workspace_session = ?,
				git_commit = ?, git_dirty = ?
			 WHERE id = ?`,
			title, formatTimestamp(updatedAt), string(payloadJSON),
			nullable(workspaceRoot), nullable(workspaceMount), nullable(workspaceSession),
			nullable(gitCommit), gitDirty, conversationID,
		)
	} else {
		_, err = c.exec(
			`INSERT INTO okc_conversations (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, clientID, title,
			formatTimestamp(createdAt), formatTimestamp(updatedAt), string(payloadJSON),
			nullable(workspaceRoot), nullable(workspaceMount), nullable(workspaceSession),
			nullable(gitCommit), gitDirty,
		)
	}
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// ReferencedSessions returns every workspace session id a stored
// conversation still points at.
func (c *Conversations) ReferencedSessions() ([]string, error) {
	rows, err := c.query(`SELECT DISTINCT workspace_session FROM okc_conversations WHERE workspace_session IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id.Valid && id.String != "" {
			out = append(out, id.String)
		}
	}
	return out, rows.Err()
}

// Delete removes a conversation and attempts to remove its workspace
// directory and per-session deployments. It reports whether a row was
// deleted and a cleanup summary.
func (c *Conversations) Delete(clientID, conversationID string) (bool, map[string]interface{}, error) {
	rec, err := c.fetch(conversationID)
	if err != nil {
		return false, nil, err
	}
	if rec == nil || rec.ClientID != clientID {
		return false, map[string]interface{}{"removed": false}, nil
	}
	payload := rec.toPayload()
	if _, err := c.exec(`DELETE FROM okc_conversations WHERE id = ?`, conversationID); err != nil {
		return false, nil, err
	}
	return true, c.cleanupWorkspace(payload), nil
}

// cleanupWorkspace removes the conversation's workspace directory, but
// never a path outside the configured workspace base, and cascades to
// the session's deployments.
func (c *Conversations) cleanupWorkspace(payload map[string]interface{}) map[string]interface{} {
	summary := map[string]interface{}{"removed": false}
	workspaceInfo, ok := payload["workspace"].(map[string]interface{})
	if !ok {
		return summary
	}
	paths, ok := workspaceInfo["paths"].(map[string]interface{})
	if !ok {
		return summary
	}
	internalRoot := normaliseString(firstOf(paths, "internal_root", "internalRoot"))
	sessionID := normaliseString(firstOf(paths, "session_id", "sessionId"))
	if internalRoot == "" {
		return summary
	}

	resolvedRoot, err := filepath.Abs(internalRoot)
	if err != nil {
		summary["error"] = err.Error()
		summary["path"] = internalRoot
		return summary
	}
	base := config.Get().Workspace.ResolvePath()
	rel, err := filepath.Rel(base, resolvedRoot)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		summary["error"] = "workspace outside configured root"
		summary["path"] = resolvedRoot
		return summary
	}
	if rel == "." {
		summary["error"] = "refusing to delete workspace root"
		summary["path"] = resolvedRoot
		return summary
	}

	summary["path"] = resolvedRoot
	if _, statErr := os.Stat(resolvedRoot); statErr == nil {
		if rmErr := os.RemoveAll(resolvedRoot); rmErr != nil {
			summary["error"] = rmErr.Error()
		} else {
			summary["removed"] = true
		}
	}

	if sessionID != "" && c.deployments != nil {
		summary["deployments"] = c.deployments.CleanupSession(sessionID)
	}
	return summary
}

// toPayload decodes the stored JSON and back-fills identity, title,
// timestamps and workspace columns the payload may be missing.
func (r *record) toPayload() map[string]interface{} {
	data := map[string]interface{}{}
	if err := json.Unmarshal([]byte(r.Payload), &data); err != nil {
		data = map[string]interface{}{}
	}
	setDefault(data, "id", r.ID)
	setDefault(data, "title", r.Title)
	setDefault(data, "createdAt", r.CreatedAt)
	setDefault(data, "updatedAt", r.UpdatedAt)

	workspaceInfo, _ := data["workspace"].(map[string]interface{})
	if workspaceInfo == nil {
		workspaceInfo = map[string]interface{}{}
	}
	paths, _ := workspaceInfo["paths"].(map[string]interface{})
	if paths == nil {
		paths = map[string]interface{}{}
	}
	mutated := false
	if r.WorkspaceRoot.Valid && paths["internal_root"] == nil {
		paths["internal_root"] = r.WorkspaceRoot.String
		mutated = true
	}
	if r.WorkspaceMount.Valid && paths["mount"] == nil {
		paths["mount"] = r.WorkspaceMount.String
		mutated = true
	}
	if r.WorkspaceSession.Valid && paths["session_id"] == nil {
		paths["session_id"] = r.WorkspaceSession.String
		mutated = true
	}
	if mutated {
		workspaceInfo["paths"] = paths
	}
	git, _ := workspaceInfo["git"].(map[string]interface{})
	if git == nil {
		git = map[string]interface{}{}
	}
	gitMutated := false
	if r.GitCommit.Valid && git["commit"] == nil {
		git["commit"] = r.GitCommit.String
		gitMutated = true
	}
	if r.GitDirty.Valid && git["is_dirty"] == nil {
		git["is_dirty"] = r.GitDirty.String == "1"
		gitMutated = true
	}
	if gitMutated {
		workspaceInfo["git"] = git
	}
	if len(workspaceInfo) > 0 {
		data["workspace"] = workspaceInfo
	}
	return data
}

func setDefault(m map[string]interface{}, key string, value interface{}) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if value, ok := m[key]; ok && value != nil {
			if s, isStr := value.(string); !isStr || strings.TrimSpace(s) != "" {
				return value
			}
		}
	}
	return nil
}

func normaliseString(value interface{}) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func normaliseBool(value interface{}) (result, known bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
	}
	return false, false
}

// normaliseTimestamp parses ISO-8601-ish timestamps, treating a trailing
// Z or a missing zone as UTC. Unparseable values use the fallback.
func normaliseTimestamp(value interface{}, fallback time.Time) time.Time {
	raw := normaliseString(value)
	if raw == "" {
		return fallback
	}
	if strings.HasSuffix(raw, "Z") {
		raw = raw[:len(raw)-1] + "+00:00"
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return fallback
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
