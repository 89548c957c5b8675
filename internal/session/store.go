package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memorable/contextmesh/internal/fusion"
)

// Schema creates the session and handoff tables.
const Schema = `
CREATE TABLE IF NOT EXISTS device_sessions (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	device_type TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	topics TEXT NOT NULL DEFAULT '[]',
	active_items TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS pending_handoffs (
	user_id TEXT PRIMARY KEY,
	handoff_id TEXT NOT NULL,
	source_device_id TEXT NOT NULL,
	target_device_type TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL,
	briefing TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON device_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON device_sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_handoffs_expiry ON pending_handoffs(expires_at);
`

// Store persists device sessions and pending handoffs in SQLite, so
// in-flight continuity state survives a hub restart within its TTL.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the session database at the given path.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSession returns the unexpired session for (user, device), or
// ErrSessionNotFound. An expired row counts as absent even before the sweep
// deletes it; otherwise a stale session's topics and items could leak back in
// through an update or a handoff snapshot.
func (s *Store) GetSession(userID, deviceID string, now time.Time) (*DeviceSession, error) {
	row := s.db.QueryRow(`
		SELECT session_id, device_type, context, topics, active_items, summary,
		       created_at, updated_at, expires_at
		FROM device_sessions
		WHERE user_id = ? AND device_id = ? AND expires_at > ?`,
		userID, deviceID, now)
	return scanSession(row, userID, deviceID)
}

// ListSessions returns all unexpired sessions for a user, most recently
// updated first.
func (s *Store) ListSessions(userID string, now time.Time) ([]DeviceSession, error) {
	rows, err := s.db.Query(`
		SELECT device_id, session_id, device_type, context, topics, active_items,
		       summary, created_at, updated_at, expires_at
		FROM device_sessions
		WHERE user_id = ? AND expires_at > ?
		ORDER BY updated_at DESC`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []DeviceSession
	for rows.Next() {
		var sess DeviceSession
		var deviceType, contextJSON, topics, items string
		if err := rows.Scan(&sess.DeviceID, &sess.SessionID, &deviceType,
			&contextJSON, &topics, &items, &sess.Summary,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.UserID = userID
		sess.DeviceType = fusion.DeviceType(deviceType)
		decodeColumns(&sess, contextJSON, topics, items)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveSession upserts a session.
func (s *Store) SaveSession(sess *DeviceSession) error {
	contextJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	topics, _ := json.Marshal(sess.Topics)
	items, _ := json.Marshal(sess.ActiveItemIDs)

	_, err = s.db.Exec(`
		INSERT INTO device_sessions
			(user_id, device_id, session_id, device_type, context, topics,
			 active_items, summary, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			session_id = excluded.session_id,
			device_type = excluded.device_type,
			context = excluded.context,
			topics = excluded.topics,
			active_items = excluded.active_items,
			summary = excluded.summary,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		sess.UserID, sess.DeviceID, sess.SessionID, string(sess.DeviceType),
		string(contextJSON), string(topics), string(items), sess.Summary,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(userID, deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM device_sessions WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	return err
}

// PutHandoff stores a pending handoff, superseding any outstanding one for
// the same user: at most one pending handoff exists per user.
func (s *Store) PutHandoff(h *Handoff) error {
	snapshot, err := json.Marshal(h.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal handoff snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO pending_handoffs
			(user_id, handoff_id, source_device_id, target_device_type,
			 snapshot, briefing, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			handoff_id = excluded.handoff_id,
			source_device_id = excluded.source_device_id,
			target_device_type = excluded.target_device_type,
			snapshot = excluded.snapshot,
			briefing = excluded.briefing,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		h.UserID, h.HandoffID, h.SourceDeviceID, h.TargetDeviceType,
		string(snapshot), h.Briefing, h.CreatedAt, h.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store handoff: %w", err)
	}
	return nil
}

// TakeHandoff atomically claims the user's pending handoff. The claim is a
// single DELETE with RETURNING, so with any number of concurrent claimants
// exactly one gets the row back and the rest observe ErrNoPendingHandoff.
// An expired handoff is discarded silently.
func (s *Store) TakeHandoff(userID string, now time.Time) (*Handoff, error) {
	var (
		h        Handoff
		snapshot string
	)
	err := s.db.QueryRow(`
		DELETE FROM pending_handoffs WHERE user_id = ?
		RETURNING handoff_id, source_device_id, target_device_type, snapshot,
		          briefing, created_at, expires_at`, userID).
		Scan(&h.HandoffID, &h.SourceDeviceID, &h.TargetDeviceType, &snapshot,
			&h.Briefing, &h.CreatedAt, &h.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoPendingHandoff
	}
	if err != nil {
		return nil, fmt.Errorf("claim handoff: %w", err)
	}
	h.UserID = userID

	if h.Expired(now) {
		return nil, ErrNoPendingHandoff
	}
	if err := json.Unmarshal([]byte(snapshot), &h.Snapshot); err != nil {
		return nil, fmt.Errorf("decode handoff snapshot: %w", err)
	}
	return &h, nil
}

// Sweep deletes expired sessions and handoffs. Returns how many rows went.
func (s *Store) Sweep(now time.Time) (int64, error) {
	var total int64
	res, err := s.db.Exec(`DELETE FROM device_sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.Exec(`DELETE FROM pending_handoffs WHERE expires_at <= ?`, now)
	if err != nil {
		return total, fmt.Errorf("sweep handoffs: %w", err)
	}
	n, _ = res.RowsAffected()
	return total + n, nil
}

func scanSession(row *sql.Row, userID, deviceID string) (*DeviceSession, error) {
	var sess DeviceSession
	var deviceType, contextJSON, topics, items string
	err := row.Scan(&sess.SessionID, &deviceType, &contextJSON, &topics, &items,
		&sess.Summary, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.UserID = userID
	sess.DeviceID = deviceID
	sess.DeviceType = fusion.DeviceType(deviceType)
	decodeColumns(&sess, contextJSON, topics, items)
	return &sess, nil
}

// decodeColumns fills the JSON columns, tolerating malformed rows: a corrupt
// column degrades to empty state rather than failing the read.
func decodeColumns(sess *DeviceSession, contextJSON, topics, items string) {
	if json.Unmarshal([]byte(contextJSON), &sess.Context) != nil {
		sess.Context = map[string]any{}
	}
	if json.Unmarshal([]byte(topics), &sess.Topics) != nil {
		sess.Topics = []string{}
	}
	if json.Unmarshal([]byte(items), &sess.ActiveItemIDs) != nil {
		sess.ActiveItemIDs = []string{}
	}
}
