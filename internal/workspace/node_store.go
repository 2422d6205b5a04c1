package workspace

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrTargetIsFolder = errors.New("target is a folder")
	ErrInvalidPath    = errors.New("invalid path")
)

const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Node is one row of the hierarchical filesystem. Path is the identity;
// name and parent_path are derived from it on every write.
type Node struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	ParentPath   string `json:"parent_path,omitempty"`
	Kind         string `json:"type"`
	Content      string `json:"content,omitempty"`
	Size         int64  `json:"size"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	IsExpanded   bool   `json:"is_expanded"`
	CursorLine   int    `json:"last_cursor_line"`
	CursorColumn int    `json:"last_cursor_column"`
}

// VisibleNode is the explorer-tree projection of a Node. Field names match
// the wire format the editor client consumes.
type VisibleNode struct {
	Path       string `json:"path"`
	ParentPath string `json:"parent_path,omitempty"`
	Kind       string `json:"type"`
	Name       string `json:"name"`
	IsExpanded bool   `json:"is_expanded"`
}

// FileInfo is the listing row used by the export endpoint.
type FileInfo struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// NodeStore is the authoritative filesystem for one workspace. All mutations
// run on the workspace actor, so methods assume they are never interleaved.
type NodeStore struct {
	db        *DB
	workspace string
	now       func() int64
}

func NewNodeStore(db *DB, workspace string) *NodeStore {
	return &NodeStore{
		db:        db,
		workspace: workspace,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// Root returns the workspace root path, e.g. "/alice".
func (s *NodeStore) Root() string {
	return "/" + s.workspace
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Get returns the node stored at path.
func (s *NodeStore) Get(path string) (Node, error) {
	row := s.db.queryRow(
		`SELECT path, name, COALESCE(parent_path, ''), kind, COALESCE(content, ''), size,
			created_at, updated_at, is_expanded, last_cursor_line, last_cursor_column
		 FROM nodes WHERE workspace = ? AND path = ?`,
		s.workspace, path,
	)
	var n Node
	var expanded int
	err := row.Scan(&n.Path, &n.Name, &n.ParentPath, &n.Kind, &n.Content, &n.Size,
		&n.CreatedAt, &n.UpdatedAt, &expanded, &n.CursorLine, &n.CursorColumn)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("reading node %s: %w", path, err)
	}
	n.IsExpanded = expanded != 0
	return n, nil
}

func (s *NodeStore) exists(tx *sql.Tx, path string) (bool, string, error) {
	row := tx.QueryRow(
		s.db.rebind(`SELECT kind FROM nodes WHERE workspace = ? AND path = ?`),
		s.workspace, path,
	)
	var kind string
	err := row.Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, kind, nil
}

// ensureParentFolders idempotently materializes every missing ancestor folder
// of path and flips all of them expanded, so navigating to a deep unseen path
// makes the whole chain visible in the explorer.
func (s *NodeStore) ensureParentFolders(tx *sql.Tx, path string) error {
	now := s.now()
	for _, ancestor := range Ancestors(path) {
		name, parent := SplitPath(ancestor)
		_, err := tx.Exec(
			s.db.rebind(`INSERT INTO nodes
				(workspace, path, name, parent_path, kind, content, size, created_at, updated_at, is_expanded)
				VALUES (?, ?, ?, ?, 'folder', NULL, 0, ?, ?, 1)
				ON CONFLICT (workspace, path) DO UPDATE SET is_expanded = 1`),
			s.workspace, ancestor, name, nullable(parent), now, now,
		)
		if err != nil {
			return fmt.Errorf("ensuring folder %s: %w", ancestor, err)
		}
	}
	return nil
}

// Create inserts a new file or folder at path, materializing missing parent
// folders first. Fails with ErrAlreadyExists when the path is taken.
func (s *NodeStore) Create(path, kind, content string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if kind != KindFile && kind != KindFolder {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPath, kind)
	}
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	taken, _, err := s.exists(tx, path)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	if err := s.ensureParentFolders(tx, path); err != nil {
		return err
	}
	if err := s.insertNode(tx, path, kind, content); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *NodeStore) insertNode(tx *sql.Tx, path, kind, content string) error {
	now := s.now()
	name, parent := SplitPath(path)
	if kind == KindFolder {
		_, err := tx.Exec(
			s.db.rebind(`INSERT INTO nodes
				(workspace, path, name, parent_path, kind, content, size, created_at, updated_at, is_expanded)
				VALUES (?, ?, ?, ?, 'folder', NULL, 0, ?, ?, 1)`),
			s.workspace, path, name, nullable(parent), now, now,
		)
		return err
	}
	_, err := tx.Exec(
		s.db.rebind(`INSERT INTO nodes
			(workspace, path, name, parent_path, kind, content, size, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'file', ?, ?, ?, ?)`),
		s.workspace, path, name, nullable(parent), content, int64(len(content)), now, now,
	)
	return err
}

// Save upserts file content at path, creating the file and any missing parent
// folders when absent. The original created_at survives overwrites. Writing
// to a path stored as a folder fails with ErrTargetIsFolder.
func (s *NodeStore) Save(path, content string, line, column int) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if line < 1 {
		line = 1
	}
	if column < 1 {
		column = 1
	}
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	taken, kind, err := s.exists(tx, path)
	if err != nil {
		return err
	}
	if taken && kind == KindFolder {
		return fmt.Errorf("%w: %s", ErrTargetIsFolder, path)
	}
	if err := s.ensureParentFolders(tx, path); err != nil {
		return err
	}
	now := s.now()
	name, parent := SplitPath(path)
	_, err = tx.Exec(
		s.db.rebind(`INSERT INTO nodes
			(workspace, path, name, parent_path, kind, content, size, created_at, updated_at, last_cursor_line, last_cursor_column)
			VALUES (?, ?, ?, ?, 'file', ?, ?, ?, ?, ?, ?)
			ON CONFLICT (workspace, path) DO UPDATE SET
				content = excluded.content,
				size = excluded.size,
				updated_at = excluded.updated_at,
				last_cursor_line = excluded.last_cursor_line,
				last_cursor_column = excluded.last_cursor_column`),
		s.workspace, path, name, nullable(parent), content, int64(len(content)), now, now, line, column,
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return tx.Commit()
}

// SetCursor persists the last cursor position of a file without touching its
// content or timestamps.
func (s *NodeStore) SetCursor(path string, line, column int) error {
	if line < 1 || column < 1 {
		return nil
	}
	_, err := s.db.exec(
		`UPDATE nodes SET last_cursor_line = ?, last_cursor_column = ?
		 WHERE workspace = ? AND path = ? AND kind = 'file'`,
		line, column, s.workspace, path,
	)
	return err
}

// Copy clones sourcePath to targetPath. Folders are copied recursively by
// rewriting each descendant's path prefix. The whole subtree copy runs in one
// transaction, so a failed copy leaves no partial target.
func (s *NodeStore) Copy(sourcePath, targetPath string) error {
	if err := ValidatePath(targetPath); err != nil {
		return err
	}
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	srcTaken, srcKind, err := s.exists(tx, sourcePath)
	if err != nil {
		return err
	}
	if !srcTaken {
		return fmt.Errorf("%w: %s", ErrNotFound, sourcePath)
	}
	dstTaken, _, err := s.exists(tx, targetPath)
	if err != nil {
		return err
	}
	if dstTaken {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, targetPath)
	}
	if err := s.ensureParentFolders(tx, targetPath); err != nil {
		return err
	}
	if srcKind == KindFile {
		var content string
		if err := tx.QueryRow(
			s.db.rebind(`SELECT COALESCE(content, '') FROM nodes WHERE workspace = ? AND path = ?`),
			s.workspace, sourcePath,
		).Scan(&content); err != nil {
			return err
		}
		if err := s.insertNode(tx, targetPath, KindFile, content); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := s.insertNode(tx, targetPath, KindFolder, ""); err != nil {
		return err
	}
	rows, err := tx.Query(
		s.db.rebind(`SELECT path, kind, COALESCE(content, '') FROM nodes
			 WHERE workspace = ? AND path LIKE ? ORDER BY path`),
		s.workspace, sourcePath+"/%",
	)
	if err != nil {
		return err
	}
	type child struct {
		path    string
		kind    string
		content string
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.path, &c.kind, &c.content); err != nil {
			rows.Close()
			return err
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, c := range children {
		if err := s.insertNode(tx, RewritePrefix(c.path, sourcePath, targetPath), c.kind, c.content); err != nil {
			return fmt.Errorf("copying %s: %w", c.path, err)
		}
	}
	return tx.Commit()
}

// Move renames sourcePath to targetPath in place, rewriting every descendant
// path of a moved folder by prefix substitution.
func (s *NodeStore) Move(sourcePath, targetPath string) error {
	if err := ValidatePath(targetPath); err != nil {
		return err
	}
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	srcTaken, srcKind, err := s.exists(tx, sourcePath)
	if err != nil {
		return err
	}
	if !srcTaken {
		return fmt.Errorf("%w: %s", ErrNotFound, sourcePath)
	}
	dstTaken, _, err := s.exists(tx, targetPath)
	if err != nil {
		return err
	}
	if dstTaken {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, targetPath)
	}
	now := s.now()
	name, parent := SplitPath(targetPath)
	if _, err := tx.Exec(
		s.db.rebind(`UPDATE nodes SET path = ?, name = ?, parent_path = ?, updated_at = ?
			 WHERE workspace = ? AND path = ?`),
		targetPath, name, nullable(parent), now, s.workspace, sourcePath,
	); err != nil {
		return err
	}
	if srcKind == KindFolder {
		rows, err := tx.Query(
			s.db.rebind(`SELECT path FROM nodes WHERE workspace = ? AND path LIKE ? ORDER BY path`),
			s.workspace, sourcePath+"/%",
		)
		if err != nil {
			return err
		}
		var descendants []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			descendants = append(descendants, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, p := range descendants {
			newPath := RewritePrefix(p, sourcePath, targetPath)
			childName, childParent := SplitPath(newPath)
			if _, err := tx.Exec(
				s.db.rebind(`UPDATE nodes SET path = ?, name = ?, parent_path = ?, updated_at = ?
					 WHERE workspace = ? AND path = ?`),
				newPath, childName, nullable(childParent), now, s.workspace, p,
			); err != nil {
				return fmt.Errorf("moving %s: %w", p, err)
			}
		}
	}
	return tx.Commit()
}

// Rename moves path to a sibling with the new leaf name and returns the new
// path.
func (s *NodeStore) Rename(path, newName string) (string, error) {
	if newName == "" || newName == "." || newName == ".." {
		return "", fmt.Errorf("%w: bad name %q", ErrInvalidPath, newName)
	}
	_, parent := SplitPath(path)
	newPath := "/" + newName
	if parent != "" {
		newPath = parent + "/" + newName
	}
	if err := s.Move(path, newPath); err != nil {
		return "", err
	}
	return newPath, nil
}

// Delete removes path and its whole subtree, reporting whether anything was
// actually removed.
func (s *NodeStore) Delete(path string) (bool, error) {
	res, err := s.db.exec(
		`DELETE FROM nodes WHERE workspace = ? AND (path = ? OR path LIKE ?)`,
		s.workspace, path, path+"/%",
	)
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// NextAvailableName probes basePath, then basePath with an incrementing
// numeric suffix inserted before the extension, until a free path is found.
func (s *NodeStore) NextAvailableName(basePath, extension string) (string, error) {
	candidate := basePath
	for counter := 1; ; counter++ {
		var one int
		err := s.db.queryRow(
			`SELECT 1 FROM nodes WHERE workspace = ? AND path = ?`,
			s.workspace, candidate,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if extension != "" && len(basePath) > len(extension) {
			candidate = fmt.Sprintf("%s%d%s", basePath[:len(basePath)-len(extension)], counter, extension)
		} else {
			candidate = fmt.Sprintf("%s%d", basePath, counter)
		}
	}
}

// ToggleExpansion flips a folder's expansion flag. Files are left alone.
func (s *NodeStore) ToggleExpansion(path string) error {
	_, err := s.db.exec(
		`UPDATE nodes SET is_expanded = 1 - is_expanded, updated_at = ?
		 WHERE workspace = ? AND path = ? AND kind = 'folder'`,
		s.now(), s.workspace, path,
	)
	return err
}

// ListVisible computes the explorer tree: root-level nodes plus the children
// of every expanded folder, folders before files, then alphabetical. The
// expanded set is resolved first so the read stays a single IN-filtered scan
// instead of a recursive walk.
func (s *NodeStore) ListVisible() ([]VisibleNode, error) {
	rows, err := s.db.query(
		`SELECT path FROM nodes
		 WHERE workspace = ? AND kind = 'folder' AND is_expanded = 1 ORDER BY path`,
		s.workspace,
	)
	if err != nil {
		return nil, err
	}
	var expanded []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		expanded = append(expanded, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	query := `SELECT path, COALESCE(parent_path, ''), kind, name, is_expanded FROM nodes
		 WHERE workspace = ? AND (parent_path IS NULL OR parent_path = ?`
	args := []any{s.workspace, s.Root()}
	if len(expanded) > 0 {
		query += ` OR parent_path IN (?` + repeatPlaceholder(len(expanded)-1) + `)`
		for _, p := range expanded {
			args = append(args, p)
		}
	}
	query += `) ORDER BY parent_path, kind DESC, name ASC`

	rows, err = s.db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VisibleNode
	for rows.Next() {
		var n VisibleNode
		var isExpanded int
		if err := rows.Scan(&n.Path, &n.ParentPath, &n.Kind, &n.Name, &isExpanded); err != nil {
			return nil, err
		}
		n.IsExpanded = isExpanded != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListFiles returns every file in the workspace ordered by path.
func (s *NodeStore) ListFiles() ([]FileInfo, error) {
	rows, err := s.db.query(
		`SELECT path, size, created_at, updated_at FROM nodes
		 WHERE workspace = ? AND kind = 'file' ORDER BY path`,
		s.workspace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileInfo
	for rows.Next() {
		var f FileInfo
		if err := rows.Scan(&f.Path, &f.Size, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
