package mirrorsync

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

type fakeRemote struct {
	mu    sync.Mutex
	files map[string]string
	saves []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string]string{}}
}

func (f *fakeRemote) ListFiles(ctx context.Context) ([]FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.files))
	for path := range f.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	entries := make([]FileEntry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, FileEntry{Path: path, Size: int64(len(f.files[path]))})
	}
	return entries, nil
}

func (f *fakeRemote) ReadFile(ctx context.Context, path string) (RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return RemoteFile{}, &HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return RemoteFile{Path: path, Content: content}, nil
}

func (f *fakeRemote) SaveFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	f.saves = append(f.saves, path)
	return nil
}

func (f *fakeRemote) DeleteFile(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return &HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	delete(f.files, path)
	return nil
}

func newTestSyncer(t *testing.T, remote *fakeRemote) (*Syncer, string) {
	t.Helper()
	localRoot := filepath.Join(t.TempDir(), "mirror")
	syncer, err := NewSyncer(remote, SyncerOptions{
		Owner:     "alice",
		LocalRoot: localRoot,
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	return syncer, localRoot
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func readLocal(t *testing.T, root, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false
		}
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data), true
}

func TestSyncPushesLocalFiles(t *testing.T) {
	remote := newFakeRemote()
	syncer, localRoot := newTestSyncer(t, remote)
	writeLocal(t, localRoot, "notes/a.md", "hello")

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if remote.files["/alice/notes/a.md"] != "hello" {
		t.Fatalf("remote files = %+v", remote.files)
	}
}

func TestSyncSkipsUnchangedOnSecondPass(t *testing.T) {
	remote := newFakeRemote()
	syncer, localRoot := newTestSyncer(t, remote)
	writeLocal(t, localRoot, "a.md", "stable")

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if len(remote.saves) != 1 {
		t.Fatalf("saves = %v, want exactly one", remote.saves)
	}
}

func TestSyncPullsRemoteFiles(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/alice/docs/b.md"] = "from remote"
	syncer, localRoot := newTestSyncer(t, remote)

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	content, ok := readLocal(t, localRoot, "docs/b.md")
	if !ok || content != "from remote" {
		t.Fatalf("local copy = %q, ok=%v", content, ok)
	}
}

func TestSyncIgnoresFilesOutsideRemoteRoot(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/bob/secret.md"] = "not ours"
	syncer, localRoot := newTestSyncer(t, remote)

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if _, ok := readLocal(t, localRoot, "secret.md"); ok {
		t.Fatalf("pulled file from another workspace")
	}
}

func TestSyncLocalDeleteRemovesRemote(t *testing.T) {
	remote := newFakeRemote()
	syncer, localRoot := newTestSyncer(t, remote)
	writeLocal(t, localRoot, "a.md", "short lived")

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	if err := os.Remove(filepath.Join(localRoot, "a.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if _, ok := remote.files["/alice/a.md"]; ok {
		t.Fatalf("remote file survived local delete")
	}
}

func TestSyncRemoteDeleteRemovesTrackedLocal(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/alice/a.md"] = "tracked"
	syncer, localRoot := newTestSyncer(t, remote)

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	remote.mu.Lock()
	delete(remote.files, "/alice/a.md")
	remote.mu.Unlock()
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if _, ok := readLocal(t, localRoot, "a.md"); ok {
		t.Fatalf("local file survived remote delete")
	}
}

func TestSyncRemoteDeleteKeepsLocallyModifiedFile(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/alice/a.md"] = "original"
	syncer, localRoot := newTestSyncer(t, remote)

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	remote.mu.Lock()
	delete(remote.files, "/alice/a.md")
	remote.mu.Unlock()
	writeLocal(t, localRoot, "a.md", "edited after sync")

	// The local edit is newer than the tracked hash, so the push pass wins
	// and the file is re-uploaded instead of removed.
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if remote.files["/alice/a.md"] != "edited after sync" {
		t.Fatalf("remote files = %+v", remote.files)
	}
	if content, ok := readLocal(t, localRoot, "a.md"); !ok || content != "edited after sync" {
		t.Fatalf("local copy = %q, ok=%v", content, ok)
	}
}

func TestSyncStatePersistsAcrossSyncers(t *testing.T) {
	remote := newFakeRemote()
	localRoot := filepath.Join(t.TempDir(), "mirror")
	opts := SyncerOptions{Owner: "alice", LocalRoot: localRoot}

	first, err := NewSyncer(remote, opts)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	writeLocal(t, localRoot, "a.md", "persisted")
	if err := first.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}

	second, err := NewSyncer(remote, opts)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := second.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if len(remote.saves) != 1 {
		t.Fatalf("saves = %v, state did not persist", remote.saves)
	}
}

func TestSyncStateFileIsNotPushed(t *testing.T) {
	remote := newFakeRemote()
	syncer, localRoot := newTestSyncer(t, remote)
	writeLocal(t, localRoot, "a.md", "content")

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	for path := range remote.files {
		if filepath.Base(path) == ".xytext-mirror-state.json" {
			t.Fatalf("state file leaked to remote: %v", remote.files)
		}
	}
	if _, ok := readLocal(t, localRoot, ".xytext-mirror-state.json"); !ok {
		t.Fatalf("state file not written")
	}
}

func TestRemotePathMapping(t *testing.T) {
	if got := normalizeRemotePath("alice/a.md/"); got != "/alice/a.md" {
		t.Fatalf("normalizeRemotePath = %q", got)
	}
	if !isUnderRemoteRoot("/alice", "/alice/docs/a.md") {
		t.Fatalf("subtree path not under root")
	}
	if isUnderRemoteRoot("/alice", "/alicedocs/a.md") {
		t.Fatalf("sibling prefix treated as under root")
	}

	local, err := remoteToLocalPath("/tmp/mirror", "/alice", "/alice/docs/a.md")
	if err != nil || local != filepath.Join("/tmp/mirror", "docs", "a.md") {
		t.Fatalf("remoteToLocalPath = %q, %v", local, err)
	}
	if _, err := remoteToLocalPath("/tmp/mirror", "/alice", "/bob/a.md"); err == nil {
		t.Fatalf("mapped path outside root")
	}

	remotePath, err := localToRemotePath("/tmp/mirror", "/alice", filepath.Join("/tmp/mirror", "docs", "a.md"))
	if err != nil || remotePath != "/alice/docs/a.md" {
		t.Fatalf("localToRemotePath = %q, %v", remotePath, err)
	}
	if _, err := localToRemotePath("/tmp/mirror", "/alice", "/etc/passwd"); err == nil {
		t.Fatalf("mapped path escaping local root")
	}
}
