package workspace

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xytext/xytext/internal/logging"
	"github.com/xytext/xytext/internal/metrics"
)

// Workspace is the live engine for one owner's tree. A single goroutine owns
// the stores and the session registry; every operation is posted to its
// mailbox and runs to completion before the next one starts, so structural
// mutations, presence writes and broadcasts never interleave.
type Workspace struct {
	owner    string
	nodes    *NodeStore
	presence *PresenceStore
	registry *SessionRegistry

	// version is the client-supplied ordering counter for text frames. It is
	// workspace-wide: the newest accepted save defines it.
	version int64

	jobs      chan func()
	closeOnce sync.Once
	done      chan struct{}
	log       *zap.Logger
}

func NewWorkspace(db *DB, owner string) *Workspace {
	w := &Workspace{
		owner:    owner,
		nodes:    NewNodeStore(db, owner),
		presence: NewPresenceStore(db, owner),
		registry: NewSessionRegistry(),
		jobs:     make(chan func(), 128),
		done:     make(chan struct{}),
		log:      logging.L().With(zap.String("workspace", owner)),
	}
	go w.run()
	return w
}

func (w *Workspace) run() {
	defer close(w.done)
	for job := range w.jobs {
		job()
	}
}

// Close drains the mailbox and stops the actor goroutine.
func (w *Workspace) Close() {
	w.closeOnce.Do(func() {
		close(w.jobs)
	})
	<-w.done
}

func (w *Workspace) Owner() string {
	return w.owner
}

// do posts fn to the actor and waits for it to finish.
func (w *Workspace) do(fn func()) {
	doneCh := make(chan struct{})
	w.jobs <- func() {
		defer close(doneCh)
		fn()
	}
	<-doneCh
}

// Viewer identifies the authenticated user behind a request or connection.
type Viewer struct {
	Username    string
	DisplayName string
	AvatarURL   string
	IsAdmin     bool
}

// ViewResult is everything a page load needs: the buffer, the cursor to
// restore, the explorer state, and possibly a redirect.
type ViewResult struct {
	Kind       string
	Text       string
	Line       int
	Column     int
	Created    bool
	RedirectTo string
	Files      []FileInfo
	Explorer   *ExplorerData
	UIState    Presence
}

// View resolves a page load for path. A missing file is created on the fly
// for the workspace owner, so navigating to any unseen path materializes it.
// Visiting the workspace root redirects the owner back to their last open
// file when one survives.
func (w *Workspace) View(path string, viewer Viewer) (ViewResult, error) {
	var res ViewResult
	var opErr error
	w.do(func() {
		res, opErr = w.view(path, viewer)
	})
	return res, opErr
}

func (w *Workspace) view(path string, viewer Viewer) (ViewResult, error) {
	res := ViewResult{Line: 1, Column: 1}
	isRoot := path == w.nodes.Root()

	node, err := w.nodes.Get(path)
	switch {
	case err == nil:
		res.Kind = node.Kind
		if node.Kind == KindFolder && !isRoot {
			res.RedirectTo = w.nodes.Root()
			return res, nil
		}
		res.Text = node.Content
		if node.CursorLine > 0 {
			res.Line = node.CursorLine
		}
		if node.CursorColumn > 0 {
			res.Column = node.CursorColumn
		}
		if viewer.IsAdmin && !isRoot {
			w.setPresence(viewer.Username, PresenceUpdate{LastOpenPath: &path})
		}
	case err == ErrNotFound && viewer.IsAdmin && !isRoot:
		if createErr := w.nodes.Create(path, KindFile, ""); createErr != nil {
			return res, createErr
		}
		metrics.RecordNodeMutation("create")
		w.broadcastExplorerUpdate()
		res.Kind = KindFile
		res.Created = true
		w.setPresence(viewer.Username, PresenceUpdate{LastOpenPath: &path})
	case err == ErrNotFound:
		res.Kind = ""
	default:
		return res, err
	}

	if isRoot {
		files, err := w.nodes.ListFiles()
		if err != nil {
			return res, err
		}
		res.Files = files
		if viewer.IsAdmin {
			ui, err := w.presence.Get(viewer.Username)
			if err != nil {
				return res, err
			}
			if ui.LastOpenPath != "" {
				if _, err := w.nodes.Get(ui.LastOpenPath); err == nil {
					res.RedirectTo = ui.LastOpenPath
				}
			}
		}
	}

	if err := w.presence.FollowRedirect(viewer.Username, path); err != nil {
		return res, err
	}

	explorer, err := w.explorerData()
	if err != nil {
		return res, err
	}
	res.Explorer = explorer
	ui, err := w.presence.Get(viewer.Username)
	if err != nil {
		return res, err
	}
	res.UIState = ui
	return res, nil
}

// Connect registers a realtime session for path and queues its init message.
// The caller drains Session.Outbound until Disconnect closes it.
func (w *Workspace) Connect(path string, viewer Viewer) (*Session, error) {
	var sess *Session
	var opErr error
	w.do(func() {
		sess, opErr = w.connect(path, viewer)
	})
	return sess, opErr
}

func (w *Workspace) connect(path string, viewer Viewer) (*Session, error) {
	text := ""
	line, column := 1, 1
	node, err := w.nodes.Get(path)
	switch {
	case err == nil:
		text = node.Content
		if node.CursorLine > 0 {
			line = node.CursorLine
		}
		if node.CursorColumn > 0 {
			column = node.CursorColumn
		}
	case err == ErrNotFound && viewer.IsAdmin && path != w.nodes.Root():
		if createErr := w.nodes.Create(path, KindFile, ""); createErr != nil {
			return nil, createErr
		}
		metrics.RecordNodeMutation("create")
		w.broadcastExplorerUpdate()
	case err == ErrNotFound:
		// Guests can watch a path that does not exist yet.
	default:
		return nil, err
	}

	sess := &Session{
		Path:        path,
		Username:    viewer.Username,
		DisplayName: viewer.DisplayName,
		AvatarURL:   viewer.AvatarURL,
		IsAdmin:     viewer.IsAdmin,
	}
	w.registry.Register(sess)
	metrics.RecordSessionOpened()

	foreground := true
	w.setPresence(viewer.Username, PresenceUpdate{
		LastOpenPath:  &path,
		TabForeground: &foreground,
		DisplayName:   &viewer.DisplayName,
		AvatarURL:     &viewer.AvatarURL,
	})

	sessions := w.richSessions()
	explorer, err := w.explorerData()
	if err != nil {
		w.registry.Unregister(sess.ID)
		return nil, err
	}
	ui, err := w.presence.Get(w.owner)
	if err != nil {
		w.registry.Unregister(sess.ID)
		return nil, err
	}

	w.registry.BroadcastAll(sess.ID, &Message{
		Type:         MsgJoin,
		SessionID:    sess.ID,
		Username:     viewer.Username,
		Path:         path,
		SessionCount: w.registry.Len(),
		Sessions:     sessions,
	})

	isAdmin := viewer.IsAdmin
	init := &Message{
		Type:         MsgInit,
		Text:         &text,
		Version:      &w.version,
		SessionID:    sess.ID,
		SessionCount: w.registry.Len(),
		Sessions:     sessions,
		IsAdmin:      &isAdmin,
		Username:     viewer.Username,
		ExplorerData: explorer,
		UIState:      &ui,
		Line:         line,
		Column:       column,
	}
	if data, err := marshalMessage(init); err == nil {
		w.registry.send(sess, data)
	}
	w.log.Info("session connected",
		zap.String("session", sess.ID),
		zap.String("user", viewer.Username),
		zap.String("path", path),
	)
	return sess, nil
}

// Disconnect tears a session down: the viewer's tab goes background, the
// remaining sessions hear a leave, and the explorer refreshes for everyone.
func (w *Workspace) Disconnect(sessionID string) {
	w.do(func() {
		sess := w.registry.Unregister(sessionID)
		if sess == nil {
			return
		}
		foreground := false
		w.setPresence(sess.Username, PresenceUpdate{TabForeground: &foreground})
		w.registry.BroadcastAll(sessionID, &Message{
			Type:         MsgLeave,
			SessionID:    sessionID,
			Username:     sess.Username,
			Path:         sess.Path,
			SessionCount: w.registry.Len(),
			Sessions:     w.richSessions(),
		})
		w.broadcastExplorerUpdate()
		w.log.Info("session disconnected",
			zap.String("session", sessionID),
			zap.String("user", sess.Username),
		)
	})
}

// HandleFrame dispatches one raw inbound frame from sessionID. Protocol
// errors are reported back on the same session; they never close it.
func (w *Workspace) HandleFrame(sessionID string, raw []byte) {
	w.do(func() {
		sess, ok := w.registry.Get(sessionID)
		if !ok {
			return
		}
		msg, err := ParseInbound(raw)
		if err != nil {
			metrics.RecordInboundFrameError()
			w.sendError(sess, err.Error())
			return
		}
		metrics.RecordInboundFrame(msg.Type)
		w.dispatch(sess, msg)
	})
}

func (w *Workspace) dispatch(sess *Session, msg Message) {
	switch msg.Type {
	case MsgText:
		if !sess.IsAdmin || msg.Text == nil || msg.Version == nil {
			return
		}
		w.version = *msg.Version
		if err := w.nodes.Save(sess.Path, *msg.Text, msg.Line, msg.Column); err != nil {
			w.sendError(sess, "Cannot edit folder content")
			return
		}
		metrics.RecordTextSave(len(*msg.Text))
		w.setPresence(sess.Username, PresenceUpdate{LastOpenPath: &sess.Path})
		w.registry.BroadcastPath(sess.ID, sess.Path, &Message{
			Type:        MsgText,
			Text:        msg.Text,
			Version:     msg.Version,
			FromSession: sess.ID,
			Line:        msg.Line,
			Column:      msg.Column,
		})
		w.broadcastExplorerUpdate()

	case MsgDeleteFile:
		if !sess.IsAdmin || msg.Path == "" {
			return
		}
		if _, err := w.nodes.Delete(msg.Path); err != nil {
			w.sendError(sess, err.Error())
			return
		}
		metrics.RecordNodeMutation("delete")
		w.broadcastExplorerUpdate()

	case MsgCursorPosition:
		if !sess.IsAdmin {
			return
		}
		if err := w.nodes.SetCursor(sess.Path, msg.Line, msg.Column); err != nil {
			w.log.Warn("cursor update failed", zap.String("path", sess.Path), zap.Error(err))
		}

	case MsgSetScroll:
		if msg.Path == "" {
			return
		}
		w.setPresence(w.owner, PresenceUpdate{ScrollTopPath: &msg.Path})

	case MsgSetTabForeground:
		if msg.TabForeground == nil {
			return
		}
		foreground := *msg.TabForeground != 0
		w.setPresence(sess.Username, PresenceUpdate{
			TabForeground: &foreground,
			LastOpenPath:  &sess.Path,
		})
		w.broadcastExplorerUpdate()
	}
}

// CreateFile adds a file at path, materializing missing parents.
func (w *Workspace) CreateFile(path, content string) error {
	return w.mutate("create", func() error {
		return w.nodes.Create(path, KindFile, content)
	})
}

// CreateFolder adds an empty expanded folder at path.
func (w *Workspace) CreateFolder(path string) error {
	return w.mutate("create", func() error {
		return w.nodes.Create(path, KindFolder, "")
	})
}

// CopyNode clones sourcePath to targetPath, recursively for folders.
func (w *Workspace) CopyNode(sourcePath, targetPath string) error {
	return w.mutate("copy", func() error {
		return w.nodes.Copy(sourcePath, targetPath)
	})
}

// MoveNode relocates sourcePath to targetPath, rewriting descendant paths.
func (w *Workspace) MoveNode(sourcePath, targetPath string) error {
	return w.mutate("move", func() error {
		return w.nodes.Move(sourcePath, targetPath)
	})
}

// RenameNode gives path a new leaf name and returns the resulting path.
func (w *Workspace) RenameNode(path, newName string) (string, error) {
	var newPath string
	err := w.mutate("rename", func() error {
		var err error
		newPath, err = w.nodes.Rename(path, newName)
		return err
	})
	return newPath, err
}

// DeleteNode removes path and its subtree, reporting whether anything
// existed. Deleting nothing skips the explorer broadcast.
func (w *Workspace) DeleteNode(path string) (bool, error) {
	var deleted bool
	var opErr error
	w.do(func() {
		deleted, opErr = w.nodes.Delete(path)
		if opErr == nil && deleted {
			metrics.RecordNodeMutation("delete")
			w.broadcastExplorerUpdate()
		}
	})
	return deleted, opErr
}

// ToggleExpansion flips a folder open or closed in the explorer.
func (w *Workspace) ToggleExpansion(path string) error {
	return w.mutate("toggle_expansion", func() error {
		return w.nodes.ToggleExpansion(path)
	})
}

func (w *Workspace) mutate(operation string, fn func() error) error {
	var opErr error
	w.do(func() {
		opErr = fn()
		if opErr == nil {
			metrics.RecordNodeMutation(operation)
			w.broadcastExplorerUpdate()
		}
	})
	return opErr
}

// SaveText replaces a file's whole buffer outside a realtime session, the way
// an API client or the mirror tool writes. Live viewers of the path receive
// the new text with a bumped version; the stored cursor survives.
func (w *Workspace) SaveText(path, content string) error {
	var opErr error
	w.do(func() {
		line, column := 1, 1
		if node, err := w.nodes.Get(path); err == nil {
			line, column = node.CursorLine, node.CursorColumn
		}
		opErr = w.nodes.Save(path, content, line, column)
		if opErr != nil {
			return
		}
		metrics.RecordTextSave(len(content))
		w.version++
		version := w.version
		w.registry.BroadcastPath("", path, &Message{
			Type:    MsgText,
			Text:    &content,
			Version: &version,
			Path:    path,
		})
		w.broadcastExplorerUpdate()
	})
	return opErr
}

// Files lists every file in the workspace.
func (w *Workspace) Files() ([]FileInfo, error) {
	var files []FileInfo
	var opErr error
	w.do(func() {
		files, opErr = w.nodes.ListFiles()
	})
	return files, opErr
}

// NextAvailableName returns the first free path derived from basePath by
// inserting a numeric suffix before extension.
func (w *Workspace) NextAvailableName(basePath, extension string) (string, error) {
	var name string
	var opErr error
	w.do(func() {
		name, opErr = w.nodes.NextAvailableName(basePath, extension)
	})
	return name, opErr
}

// GetNode reads one node.
func (w *Workspace) GetNode(path string) (Node, error) {
	var node Node
	var opErr error
	w.do(func() {
		node, opErr = w.nodes.Get(path)
	})
	return node, opErr
}

// SetScroll remembers which explorer row sits at the top of username's
// viewport.
func (w *Workspace) SetScroll(username, path string) error {
	var opErr error
	w.do(func() {
		opErr = w.presence.Set(username, PresenceUpdate{ScrollTopPath: &path})
	})
	return opErr
}

// SetFollow points username's follow target at target. An empty target stops
// following.
func (w *Workspace) SetFollow(username, target string) error {
	var opErr error
	w.do(func() {
		opErr = w.presence.Set(username, PresenceUpdate{FollowUsername: &target})
	})
	return opErr
}

// GetFollow returns who username is currently following, or "".
func (w *Workspace) GetFollow(username string) (string, error) {
	var target string
	var opErr error
	w.do(func() {
		var p Presence
		p, opErr = w.presence.Get(username)
		target = p.FollowUsername
	})
	return target, opErr
}

// Presence returns username's stored UI state.
func (w *Workspace) Presence(username string) (Presence, error) {
	var p Presence
	var opErr error
	w.do(func() {
		p, opErr = w.presence.Get(username)
	})
	return p, opErr
}

// Explorer returns the current explorer snapshot without broadcasting.
func (w *Workspace) Explorer() (*ExplorerData, error) {
	var explorer *ExplorerData
	var opErr error
	w.do(func() {
		explorer, opErr = w.explorerData()
	})
	return explorer, opErr
}

// SessionCount reports the number of live sessions.
func (w *Workspace) SessionCount() int {
	var n int
	w.do(func() {
		n = w.registry.Len()
	})
	return n
}

// ExportText renders the workspace's file inventory as a plain-text document,
// one absolute URL per file.
func (w *Workspace) ExportText(baseURL string) (string, error) {
	var out string
	var opErr error
	w.do(func() {
		var files []FileInfo
		files, opErr = w.nodes.ListFiles()
		if opErr != nil {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# %s's Files\n\n", w.owner)
		fmt.Fprintf(&b, "This document lists all available files for %s.\n\n", w.owner)
		if len(files) == 0 {
			fmt.Fprintf(&b, "No files available for %s.\n", w.owner)
		} else {
			for _, f := range files {
				fmt.Fprintf(&b, "%s%s\n", baseURL, f.Path)
			}
		}
		out = b.String()
	})
	return out, opErr
}

// setPresence writes presence on the actor goroutine, logging rather than
// failing the surrounding operation. Presence is advisory state.
func (w *Workspace) setPresence(username string, update PresenceUpdate) {
	if err := w.presence.Set(username, update); err != nil {
		w.log.Warn("presence write failed", zap.String("user", username), zap.Error(err))
	}
}

// richSessions joins the live sessions with stored presence: a session is
// foreground only when its path is the one the viewer last opened and that
// tab is in front.
func (w *Workspace) richSessions() []RichSession {
	out := make([]RichSession, 0, w.registry.Len())
	for _, sess := range w.registry.Snapshot() {
		p, err := w.presence.Get(sess.Username)
		if err != nil {
			p = Presence{Username: sess.Username}
		}
		foreground := 0
		if sess.Path == p.LastOpenPath && p.TabForeground {
			foreground = 1
		}
		out = append(out, RichSession{
			SessionID:     sess.ID,
			Username:      sess.Username,
			DisplayName:   sess.DisplayName,
			AvatarURL:     sess.AvatarURL,
			Path:          sess.Path,
			TabForeground: foreground,
		})
	}
	return out
}

func (w *Workspace) explorerData() (*ExplorerData, error) {
	visible, err := w.nodes.ListVisible()
	if err != nil {
		return nil, err
	}
	viewers, err := w.presence.PathViewers()
	if err != nil {
		return nil, err
	}
	return &ExplorerData{
		VisibleNodes: visible,
		Sessions:     w.richSessions(),
		PathViewers:  viewers,
	}, nil
}

// broadcastExplorerUpdate pushes a fresh explorer snapshot to every session,
// the sender included, so all clients converge on the same tree.
func (w *Workspace) broadcastExplorerUpdate() {
	explorer, err := w.explorerData()
	if err != nil {
		w.log.Warn("explorer snapshot failed", zap.Error(err))
		return
	}
	w.registry.BroadcastAll("", &Message{
		Type:         MsgExplorerUpdate,
		ExplorerData: explorer,
	})
}

func (w *Workspace) sendError(sess *Session, message string) {
	data, err := marshalMessage(&Message{Type: MsgError, ErrorMessage: message})
	if err != nil {
		return
	}
	w.registry.send(sess, data)
}
