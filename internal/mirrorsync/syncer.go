package mirrorsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type SyncerOptions struct {
	// Owner names the remote workspace, e.g. "alice".
	Owner string
	// RemoteRoot scopes the mirror to a subtree of the workspace. Defaults to
	// the workspace root "/{owner}".
	RemoteRoot string
	// LocalRoot is the directory being mirrored.
	LocalRoot string
	// StateFile overrides where sync state is persisted between runs.
	StateFile string
	Logger    Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Syncer performs bidirectional reconciliation between LocalRoot and the
// remote subtree. Local changes win: they are pushed before remote state is
// pulled, and the server's last-writer-wins semantics do the rest.
type Syncer struct {
	client     RemoteClient
	owner      string
	remoteRoot string
	localRoot  string
	stateFile  string
	logger     Logger
	state      mirrorState
	loaded     bool
}

type mirrorState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Hash string `json:"hash"`
}

type localSnapshot struct {
	Content string
	Hash    string
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, fmt.Errorf("workspace owner is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	remoteRoot := normalizeRemotePath(opts.RemoteRoot)
	if remoteRoot == "/" {
		remoteRoot = "/" + owner
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".xytext-mirror-state.json")
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:     client,
		owner:      owner,
		remoteRoot: remoteRoot,
		localRoot:  localRoot,
		stateFile:  stateFile,
		logger:     opts.Logger,
		state: mirrorState{
			Files: map[string]trackedFile{},
		},
	}, nil
}

// SyncOnce runs one full push-then-pull reconciliation pass.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	pushed, err := s.pushLocal(ctx)
	if err != nil {
		return err
	}
	if err := s.pullRemote(ctx, pushed); err != nil {
		return err
	}
	return s.saveState()
}

// pushLocal uploads every local file whose content differs from the last
// synced hash and deletes remote files whose local copy disappeared. It
// returns the set of paths it wrote, which pullRemote then leaves alone.
func (s *Syncer) pushLocal(ctx context.Context) (map[string]struct{}, error) {
	pushed := map[string]struct{}{}
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return nil, err
	}

	localPaths := make([]string, 0, len(localFiles))
	for remotePath := range localFiles {
		localPaths = append(localPaths, remotePath)
	}
	sort.Strings(localPaths)

	for _, remotePath := range localPaths {
		snapshot := localFiles[remotePath]
		tracked, exists := s.state.Files[remotePath]
		if exists && tracked.Hash == snapshot.Hash {
			continue
		}
		if err := s.client.SaveFile(ctx, remotePath, snapshot.Content); err != nil {
			return nil, err
		}
		s.logf("pushed %s", remotePath)
		s.state.Files[remotePath] = trackedFile{Hash: snapshot.Hash}
		pushed[remotePath] = struct{}{}
	}

	statePaths := make([]string, 0, len(s.state.Files))
	for remotePath := range s.state.Files {
		statePaths = append(statePaths, remotePath)
	}
	sort.Strings(statePaths)

	for _, remotePath := range statePaths {
		if _, ok := localFiles[remotePath]; ok {
			continue
		}
		if err := s.client.DeleteFile(ctx, remotePath); err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				delete(s.state.Files, remotePath)
				continue
			}
			return nil, err
		}
		s.logf("deleted remote %s", remotePath)
		delete(s.state.Files, remotePath)
	}
	return pushed, nil
}

// pullRemote downloads every remote file the push pass did not just write and
// removes local files whose remote copy disappeared.
func (s *Syncer) pullRemote(ctx context.Context, pushed map[string]struct{}) error {
	entries, err := s.client.ListFiles(ctx)
	if err != nil {
		return err
	}
	remoteSeen := map[string]struct{}{}
	remotePaths := make([]string, 0, len(entries))
	for _, entry := range entries {
		remotePath := normalizeRemotePath(entry.Path)
		if !isUnderRemoteRoot(s.remoteRoot, remotePath) {
			continue
		}
		remoteSeen[remotePath] = struct{}{}
		remotePaths = append(remotePaths, remotePath)
	}
	sort.Strings(remotePaths)

	for _, remotePath := range remotePaths {
		if _, skip := pushed[remotePath]; skip {
			continue
		}
		file, err := s.client.ReadFile(ctx, remotePath)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				continue
			}
			return err
		}
		if err := s.applyRemoteFile(remotePath, file); err != nil {
			return err
		}
	}

	statePaths := make([]string, 0, len(s.state.Files))
	for remotePath := range s.state.Files {
		statePaths = append(statePaths, remotePath)
	}
	sort.Strings(statePaths)
	for _, remotePath := range statePaths {
		if _, ok := remoteSeen[remotePath]; ok {
			continue
		}
		if _, skip := pushed[remotePath]; skip {
			continue
		}
		if err := s.applyRemoteDelete(remotePath); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) applyRemoteFile(remotePath string, file RemoteFile) error {
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		return nil
	}
	remoteHash := hashString(file.Content)
	if tracked, ok := s.state.Files[remotePath]; ok && tracked.Hash == remoteHash {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(localPath, []byte(file.Content), 0o644); err != nil {
		return err
	}
	s.logf("pulled %s", remotePath)
	s.state.Files[remotePath] = trackedFile{Hash: remoteHash}
	return nil
}

func (s *Syncer) applyRemoteDelete(remotePath string) error {
	tracked, ok := s.state.Files[remotePath]
	if !ok {
		return nil
	}
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		delete(s.state.Files, remotePath)
		return nil
	}
	// Only remove a local file the remote actually owned last time around.
	currentBytes, readErr := os.ReadFile(localPath)
	if readErr == nil && hashBytes(currentBytes) == tracked.Hash {
		_ = os.Remove(localPath)
		s.logf("deleted local %s", remotePath)
	}
	delete(s.state.Files, remotePath)
	return nil
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		absPath, err := filepath.Abs(path)
		if err == nil && absPath == statePathAbs {
			return nil
		}
		remotePath, err := localToRemotePath(s.localRoot, s.remoteRoot, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		results[remotePath] = localSnapshot{
			Content: string(data),
			Hash:    hashBytes(data),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func normalizeRemotePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func isUnderRemoteRoot(remoteRoot, remotePath string) bool {
	remoteRoot = normalizeRemotePath(remoteRoot)
	remotePath = normalizeRemotePath(remotePath)
	if remoteRoot == "/" {
		return true
	}
	return remotePath == remoteRoot || strings.HasPrefix(remotePath, remoteRoot+"/")
}

func remoteToLocalPath(localRoot, remoteRoot, remotePath string) (string, error) {
	localRoot = filepath.Clean(localRoot)
	remoteRoot = normalizeRemotePath(remoteRoot)
	remotePath = normalizeRemotePath(remotePath)
	if !isUnderRemoteRoot(remoteRoot, remotePath) {
		return "", fmt.Errorf("remote path %s is outside root %s", remotePath, remoteRoot)
	}
	rel := ""
	if remoteRoot == "/" {
		rel = strings.TrimPrefix(remotePath, "/")
	} else {
		rel = strings.TrimPrefix(remotePath, remoteRoot)
		rel = strings.TrimPrefix(rel, "/")
	}
	if rel == "" {
		return "", fmt.Errorf("remote path %s cannot map to local root", remotePath)
	}
	return filepath.Join(localRoot, filepath.FromSlash(rel)), nil
}

func localToRemotePath(localRoot, remoteRoot, localPath string) (string, error) {
	rel, err := filepath.Rel(localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", fmt.Errorf("local root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes local root", localPath)
	}
	remoteRoot = normalizeRemotePath(remoteRoot)
	if remoteRoot == "/" {
		return normalizeRemotePath("/" + rel), nil
	}
	return normalizeRemotePath(remoteRoot + "/" + rel), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
