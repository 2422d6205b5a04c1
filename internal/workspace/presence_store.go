package workspace

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Presence is the persisted per-viewer UI state for one workspace. A row is
// created lazily on first write and then overwritten indefinitely.
type Presence struct {
	Username       string `json:"username"`
	LastOpenPath   string `json:"last_open_path,omitempty"`
	ScrollTopPath  string `json:"explorer_scroll_top_path,omitempty"`
	TabForeground  bool   `json:"is_tab_foreground"`
	FollowUsername string `json:"follow_username,omitempty"`
	DisplayName    string `json:"name,omitempty"`
	AvatarURL      string `json:"profile_image_url,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// PresenceUpdate carries the fields a single event wants to merge over the
// stored row. Nil pointers leave the stored value untouched.
type PresenceUpdate struct {
	LastOpenPath   *string
	ScrollTopPath  *string
	TabForeground  *bool
	FollowUsername *string
	DisplayName    *string
	AvatarURL      *string
}

// PresenceStore reads and writes the presence table for one workspace.
type PresenceStore struct {
	db        *DB
	workspace string
	now       func() int64
}

func NewPresenceStore(db *DB, workspace string) *PresenceStore {
	return &PresenceStore{
		db:        db,
		workspace: workspace,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// Get returns the stored presence row for username, or an all-default row
// when none exists. It never fails on absence.
func (s *PresenceStore) Get(username string) (Presence, error) {
	row := s.db.queryRow(
		`SELECT username, COALESCE(last_open_path, ''), COALESCE(explorer_scroll_top_path, ''),
			is_tab_foreground, COALESCE(follow_username, ''), COALESCE(display_name, ''),
			COALESCE(avatar_url, ''), updated_at
		 FROM presence WHERE workspace = ? AND username = ?`,
		s.workspace, username,
	)
	var p Presence
	var foreground int
	err := row.Scan(&p.Username, &p.LastOpenPath, &p.ScrollTopPath, &foreground,
		&p.FollowUsername, &p.DisplayName, &p.AvatarURL, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Presence{Username: username}, nil
	}
	if err != nil {
		return Presence{}, fmt.Errorf("reading presence for %s: %w", username, err)
	}
	p.TabForeground = foreground != 0
	return p, nil
}

// Set merges update over the stored row, last write wins per field, and
// upserts the result.
func (s *PresenceStore) Set(username string, update PresenceUpdate) error {
	current, err := s.Get(username)
	if err != nil {
		return err
	}
	if update.LastOpenPath != nil {
		current.LastOpenPath = *update.LastOpenPath
	}
	if update.ScrollTopPath != nil {
		current.ScrollTopPath = *update.ScrollTopPath
	}
	if update.TabForeground != nil {
		current.TabForeground = *update.TabForeground
	}
	if update.FollowUsername != nil {
		current.FollowUsername = *update.FollowUsername
	}
	if update.DisplayName != nil {
		current.DisplayName = *update.DisplayName
	}
	if update.AvatarURL != nil {
		current.AvatarURL = *update.AvatarURL
	}
	foreground := 0
	if current.TabForeground {
		foreground = 1
	}
	_, err = s.db.exec(
		`INSERT INTO presence
			(workspace, username, last_open_path, explorer_scroll_top_path, is_tab_foreground,
			 follow_username, display_name, avatar_url, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (workspace, username) DO UPDATE SET
				last_open_path = excluded.last_open_path,
				explorer_scroll_top_path = excluded.explorer_scroll_top_path,
				is_tab_foreground = excluded.is_tab_foreground,
				follow_username = excluded.follow_username,
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				updated_at = excluded.updated_at`,
		s.workspace, username, nullable(current.LastOpenPath), nullable(current.ScrollTopPath),
		foreground, nullable(current.FollowUsername), nullable(current.DisplayName),
		nullable(current.AvatarURL), s.now(),
	)
	if err != nil {
		return fmt.Errorf("writing presence for %s: %w", username, err)
	}
	return nil
}

// UsersFollowing returns every username whose follow target is target.
func (s *PresenceStore) UsersFollowing(target string) ([]string, error) {
	rows, err := s.db.query(
		`SELECT username FROM presence WHERE workspace = ? AND follow_username = ?`,
		s.workspace, target,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// FollowRedirect cascades target's navigation: every follower's presence row
// is rewritten to the same path and marked foreground, so their next refresh
// redirects them. This is an explicit fan-out write, not a subscription.
func (s *PresenceStore) FollowRedirect(target, path string) error {
	followers, err := s.UsersFollowing(target)
	if err != nil {
		return err
	}
	foreground := true
	for _, follower := range followers {
		if err := s.Set(follower, PresenceUpdate{
			LastOpenPath:  &path,
			TabForeground: &foreground,
		}); err != nil {
			return err
		}
	}
	return nil
}

// PathViewers groups every foreground viewer by the path they have open,
// feeding the explorer's per-file avatar stack.
func (s *PresenceStore) PathViewers() (map[string][]Presence, error) {
	rows, err := s.db.query(
		`SELECT username, COALESCE(last_open_path, ''), COALESCE(display_name, ''), COALESCE(avatar_url, '')
		 FROM presence
		 WHERE workspace = ? AND is_tab_foreground = 1 AND last_open_path IS NOT NULL`,
		s.workspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]Presence{}
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.Username, &p.LastOpenPath, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		if p.LastOpenPath == "" {
			continue
		}
		p.TabForeground = true
		out[p.LastOpenPath] = append(out[p.LastOpenPath], p)
	}
	return out, rows.Err()
}
