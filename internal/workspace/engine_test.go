package workspace

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w := NewWorkspace(newTestDB(t), "alice")
	t.Cleanup(w.Close)
	return w
}

func adminViewer() Viewer {
	return Viewer{Username: "alice", DisplayName: "Alice", IsAdmin: true}
}

func guestViewer(name string) Viewer {
	return Viewer{Username: name, DisplayName: name}
}

// nextMessage pops the next queued outbound frame, failing if none is there.
func nextMessage(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case data, ok := <-s.Outbound():
		if !ok {
			t.Fatalf("outbound channel closed")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return msg
	default:
		t.Fatalf("no outbound message queued")
		return Message{}
	}
}

// nextOfType discards frames until one of the wanted type appears.
func nextOfType(t *testing.T, s *Session, msgType string) Message {
	t.Helper()
	for i := 0; i < sessionSendBuffer; i++ {
		msg := nextMessage(t, s)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message queued", msgType)
	return Message{}
}

func sendFrame(t *testing.T, w *Workspace, sessionID, raw string) {
	t.Helper()
	w.HandleFrame(sessionID, []byte(raw))
}

func TestConnectSendsInit(t *testing.T) {
	w := newTestWorkspace(t)
	sess, err := w.Connect("/alice/notes.md", adminViewer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	init := nextMessage(t, sess)
	if init.Type != MsgInit {
		t.Fatalf("first message is %s, want init", init.Type)
	}
	if init.SessionID != sess.ID || init.Username != "alice" {
		t.Fatalf("unexpected init: %+v", init)
	}
	if init.IsAdmin == nil || !*init.IsAdmin {
		t.Fatalf("admin flag missing in init")
	}
	if init.Text == nil || init.Version == nil {
		t.Fatalf("init missing text or version")
	}
	if init.ExplorerData == nil || init.UIState == nil {
		t.Fatalf("init missing explorer or ui state")
	}
	if init.SessionCount != 1 {
		t.Fatalf("session count = %d", init.SessionCount)
	}

	// The admin visit materialized the file.
	if _, err := w.GetNode("/alice/notes.md"); err != nil {
		t.Fatalf("visited file not created: %v", err)
	}
}

func TestConnectBroadcastsJoin(t *testing.T) {
	w := newTestWorkspace(t)
	first, err := w.Connect("/alice/notes.md", adminViewer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	nextMessage(t, first) // init

	second, err := w.Connect("/alice/notes.md", guestViewer("bob"))
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}

	join := nextOfType(t, first, MsgJoin)
	if join.Username != "bob" || join.SessionID != second.ID {
		t.Fatalf("unexpected join: %+v", join)
	}
	if join.SessionCount != 2 {
		t.Fatalf("join session count = %d", join.SessionCount)
	}
	// The joiner hears no join about itself; its first frame is the init.
	init := nextMessage(t, second)
	if init.Type != MsgInit {
		t.Fatalf("joiner's first message is %s", init.Type)
	}
}

func TestTextFrameBroadcastsToSamePathOnly(t *testing.T) {
	w := newTestWorkspace(t)
	editor, _ := w.Connect("/alice/a.md", adminViewer())
	watcher, _ := w.Connect("/alice/a.md", guestViewer("bob"))
	elsewhere, _ := w.Connect("/alice/b.md", guestViewer("carol"))
	nextOfType(t, editor, MsgInit)
	nextOfType(t, watcher, MsgInit)
	nextOfType(t, elsewhere, MsgInit)

	sendFrame(t, w, editor.ID, `{"type":"text","text":"hello","version":5,"line":1,"column":6}`)

	text := nextOfType(t, watcher, MsgText)
	if text.Text == nil || *text.Text != "hello" {
		t.Fatalf("watcher got %+v", text)
	}
	if text.FromSession != editor.ID {
		t.Fatalf("fromSession = %q, want editor id", text.FromSession)
	}
	if text.Version == nil || *text.Version != 5 {
		t.Fatalf("version = %+v", text.Version)
	}

	// The editor gets the explorer refresh but never its own text echoed.
	for len(editor.Outbound()) > 0 {
		if msg := nextMessage(t, editor); msg.Type == MsgText {
			t.Fatalf("editor received its own text broadcast")
		}
	}
	// Sessions on other paths see only the explorer refresh.
	for len(elsewhere.Outbound()) > 0 {
		if msg := nextMessage(t, elsewhere); msg.Type == MsgText {
			t.Fatalf("other path received text broadcast")
		}
	}

	node, err := w.GetNode("/alice/a.md")
	if err != nil || node.Content != "hello" {
		t.Fatalf("text not persisted: %+v, %v", node, err)
	}
}

func TestTextFrameFromGuestIgnored(t *testing.T) {
	w := newTestWorkspace(t)
	admin, _ := w.Connect("/alice/a.md", adminViewer())
	guest, _ := w.Connect("/alice/a.md", guestViewer("bob"))
	nextOfType(t, admin, MsgInit)
	nextOfType(t, guest, MsgInit)

	sendFrame(t, w, guest.ID, `{"type":"text","text":"injected","version":1}`)

	node, err := w.GetNode("/alice/a.md")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.Content == "injected" {
		t.Fatalf("guest write persisted")
	}
}

func TestTextFrameToFolderReportsError(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.CreateFolder("/alice/docs"); err != nil {
		t.Fatalf("create folder: %v", err)
	}
	sess, err := w.Connect("/alice/docs", adminViewer())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	nextOfType(t, sess, MsgInit)

	sendFrame(t, w, sess.ID, `{"type":"text","text":"oops","version":1}`)

	errMsg := nextOfType(t, sess, MsgError)
	if errMsg.ErrorMessage != "Cannot edit folder content" {
		t.Fatalf("error message = %q", errMsg.ErrorMessage)
	}
	// The session survives the error.
	if _, ok := w.registry.Get(sess.ID); !ok {
		t.Fatalf("session closed on protocol error")
	}
}

func TestInvalidFrameReportsErrorWithoutDisconnect(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)

	sendFrame(t, w, sess.ID, `{"type":"nope"}`)

	errMsg := nextOfType(t, sess, MsgError)
	if errMsg.ErrorMessage == "" {
		t.Fatalf("empty error message")
	}
	if _, ok := w.registry.Get(sess.ID); !ok {
		t.Fatalf("session closed on invalid frame")
	}
}

func TestDeleteFileFrame(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)

	sendFrame(t, w, sess.ID, `{"type":"delete_file","path":"/alice/a.md"}`)

	if _, err := w.GetNode("/alice/a.md"); err != ErrNotFound {
		t.Fatalf("file survived delete frame: %v", err)
	}
	update := nextOfType(t, sess, MsgExplorerUpdate)
	if update.ExplorerData == nil {
		t.Fatalf("explorer update without data")
	}
}

func TestCursorPositionFramePersists(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)

	sendFrame(t, w, sess.ID, `{"type":"cursor_position","line":12,"column":4}`)

	node, err := w.GetNode("/alice/a.md")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.CursorLine != 12 || node.CursorColumn != 4 {
		t.Fatalf("cursor not saved: %+v", node)
	}
}

func TestTabForegroundFrameUpdatesPresence(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", guestViewer("bob"))
	nextOfType(t, sess, MsgInit)

	sendFrame(t, w, sess.ID, `{"type":"set_tab_foreground","is_tab_foreground":0}`)

	p, err := w.Presence("bob")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.TabForeground {
		t.Fatalf("tab still foreground: %+v", p)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	w := newTestWorkspace(t)
	staying, _ := w.Connect("/alice/a.md", adminViewer())
	leaving, _ := w.Connect("/alice/a.md", guestViewer("bob"))
	nextOfType(t, staying, MsgInit)
	nextOfType(t, staying, MsgJoin)
	nextOfType(t, leaving, MsgInit)

	w.Disconnect(leaving.ID)

	leave := nextOfType(t, staying, MsgLeave)
	if leave.Username != "bob" || leave.SessionID != leaving.ID {
		t.Fatalf("unexpected leave: %+v", leave)
	}
	if leave.SessionCount != 1 {
		t.Fatalf("leave session count = %d", leave.SessionCount)
	}

	p, _ := w.Presence("bob")
	if p.TabForeground {
		t.Fatalf("presence still foreground after disconnect")
	}
	if w.SessionCount() != 1 {
		t.Fatalf("session count = %d", w.SessionCount())
	}
}

func TestContentSurvivesReconnect(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)
	sendFrame(t, w, sess.ID, `{"type":"text","text":"draft one","version":1,"line":3,"column":2}`)
	w.Disconnect(sess.ID)

	again, err := w.Connect("/alice/a.md", adminViewer())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	init := nextOfType(t, again, MsgInit)
	if init.Text == nil || *init.Text != "draft one" {
		t.Fatalf("reconnect text = %+v", init.Text)
	}
	if init.Line != 3 || init.Column != 2 {
		t.Fatalf("reconnect cursor = %d:%d", init.Line, init.Column)
	}
}

func TestMutationsBroadcastExplorerToEveryone(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)

	if err := w.CreateFile("/alice/new.md", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	update := nextOfType(t, sess, MsgExplorerUpdate)
	found := false
	for _, n := range update.ExplorerData.VisibleNodes {
		if n.Path == "/alice/new.md" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new file missing from explorer update: %+v", update.ExplorerData.VisibleNodes)
	}
}

func TestMoveKeepsTreeConsistentForViewers(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.CreateFile("/alice/docs/a.md", "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	sess, _ := w.Connect("/alice/docs/a.md", guestViewer("bob"))
	nextOfType(t, sess, MsgInit)

	if err := w.MoveNode("/alice/docs", "/alice/archive"); err != nil {
		t.Fatalf("move: %v", err)
	}
	update := nextOfType(t, sess, MsgExplorerUpdate)
	for _, n := range update.ExplorerData.VisibleNodes {
		if strings.HasPrefix(n.Path, "/alice/docs") {
			t.Fatalf("moved path still visible: %+v", n)
		}
	}
}

func TestViewCreatesMissingFileForAdmin(t *testing.T) {
	w := newTestWorkspace(t)
	res, err := w.View("/alice/brand-new.md", adminViewer())
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !res.Created || res.Kind != KindFile {
		t.Fatalf("unexpected view result: %+v", res)
	}
	if _, err := w.GetNode("/alice/brand-new.md"); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

func TestViewMissingFileForGuest(t *testing.T) {
	w := newTestWorkspace(t)
	res, err := w.View("/alice/nothing.md", guestViewer("bob"))
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if res.Created || res.Kind != "" {
		t.Fatalf("guest view created something: %+v", res)
	}
	if _, err := w.GetNode("/alice/nothing.md"); err != ErrNotFound {
		t.Fatalf("guest visit materialized a file")
	}
}

func TestViewRootRedirectsAdminToLastOpenFile(t *testing.T) {
	w := newTestWorkspace(t)
	if _, err := w.View("/alice/notes.md", adminViewer()); err != nil {
		t.Fatalf("view file: %v", err)
	}
	res, err := w.View("/alice", adminViewer())
	if err != nil {
		t.Fatalf("view root: %v", err)
	}
	if res.RedirectTo != "/alice/notes.md" {
		t.Fatalf("redirect = %q", res.RedirectTo)
	}
}

func TestViewCascadesFollowers(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.SetFollow("bob", "alice"); err != nil {
		t.Fatalf("set follow: %v", err)
	}
	if _, err := w.View("/alice/notes.md", adminViewer()); err != nil {
		t.Fatalf("view: %v", err)
	}
	p, err := w.Presence("bob")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.LastOpenPath != "/alice/notes.md" || !p.TabForeground {
		t.Fatalf("follower not redirected: %+v", p)
	}
}

func TestSaveTextBroadcastsToViewers(t *testing.T) {
	w := newTestWorkspace(t)
	sess, _ := w.Connect("/alice/a.md", adminViewer())
	nextOfType(t, sess, MsgInit)

	if err := w.SaveText("/alice/a.md", "from the api"); err != nil {
		t.Fatalf("save text: %v", err)
	}
	text := nextOfType(t, sess, MsgText)
	if text.Text == nil || *text.Text != "from the api" {
		t.Fatalf("viewer got %+v", text)
	}
	if text.Version == nil || *text.Version == 0 {
		t.Fatalf("version not bumped: %+v", text.Version)
	}
}

func TestExportText(t *testing.T) {
	w := newTestWorkspace(t)
	out, err := w.ExportText("https://example.com")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "No files available for alice.") {
		t.Fatalf("empty export = %q", out)
	}

	if err := w.CreateFile("/alice/notes.md", "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err = w.ExportText("https://example.com")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "# alice's Files") {
		t.Fatalf("export header missing: %q", out)
	}
	if !strings.Contains(out, "https://example.com/alice/notes.md") {
		t.Fatalf("export link missing: %q", out)
	}
}

func TestGetAndSetFollow(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.SetFollow("bob", "alice"); err != nil {
		t.Fatalf("set follow: %v", err)
	}
	target, err := w.GetFollow("bob")
	if err != nil || target != "alice" {
		t.Fatalf("get follow = (%q, %v)", target, err)
	}
}
