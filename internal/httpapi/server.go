package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/xytext/xytext/internal/metrics"
	"github.com/xytext/xytext/internal/workspace"
)

type ServerConfig struct {
	// TokenSecret signs and verifies identity tokens.
	TokenSecret string
	// BaseURL prefixes the absolute links in llms.txt exports.
	BaseURL string
	// MaxBodyBytes caps request bodies on the JSON API.
	MaxBodyBytes int64
}

type Server struct {
	manager *workspace.Manager
	cfg     ServerConfig
}

func NewServer(manager *workspace.Manager) *Server {
	return NewServerWithConfig(manager, ServerConfig{})
}

func NewServerWithConfig(manager *workspace.Manager, cfg ServerConfig) *Server {
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = "dev-secret"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{manager: manager, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		metrics.Handler().ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"service": "xytext"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	owner := parts[0]
	identity := identityFromRequest(r, s.cfg.TokenSecret)

	if len(parts) == 2 && parts[1] == "llms.txt" && r.Method == http.MethodGet {
		s.handleExport(w, r, owner)
		return
	}
	if len(parts) >= 2 && parts[1] == "__api" {
		s.handleAPI(w, r, owner, parts, identity)
		return
	}
	if isWebSocketUpgrade(r) {
		s.handleWebSocket(w, r, owner, identity)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleView(w, r, owner, identity)
	case http.MethodDelete:
		s.handleDeleteNode(w, r, owner, identity)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, owner string) {
	text, err := s.manager.Get(owner).ExportText(s.cfg.BaseURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// handleView serves the page-load snapshot for a path: the buffer, the cursor
// to restore, the explorer tree, and the viewer's stored UI state.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request, owner string, identity Identity) {
	path := r.URL.Path
	ws := s.manager.Get(owner)
	viewer := workspace.Viewer{
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		IsAdmin:     identity.IsAdmin(owner),
	}
	res, err := ws.View(path, viewer)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if res.RedirectTo != "" && res.RedirectTo != path {
		w.Header().Set("Location", res.RedirectTo)
		writeJSON(w, http.StatusFound, map[string]string{"redirect": res.RedirectTo})
		return
	}
	if res.Kind == "" {
		writeError(w, http.StatusNotFound, "not_found", "node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":          path,
		"type":          res.Kind,
		"text":          res.Text,
		"line":          res.Line,
		"column":        res.Column,
		"created":       res.Created,
		"isAdmin":       viewer.IsAdmin,
		"username":      identity.Username,
		"files":         res.Files,
		"explorer_data": res.Explorer,
		"ui_state":      res.UIState,
	})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request, owner string, identity Identity) {
	if !identity.IsAdmin(owner) {
		writeError(w, http.StatusForbidden, "forbidden", "Unauthorized")
		return
	}
	deleted, err := s.manager.Get(owner).DeleteNode(r.URL.Path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "Node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPI dispatches the /{owner}/__api/{endpoint} JSON surface. Presence
// endpoints are open to any viewer; structural mutations need admin.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request, owner string, parts []string, identity Identity) {
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "not_found", "API endpoint not found")
		return
	}
	endpoint := parts[2]
	ws := s.manager.Get(owner)

	var body apiRequest
	if r.Method == http.MethodPost {
		if !s.decodeBody(w, r, &body) {
			return
		}
	}

	// Endpoints accessible to any viewer.
	switch {
	case endpoint == "set-follow-username" && r.Method == http.MethodPost:
		if err := ws.SetFollow(identity.Username, body.FollowUsername); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	case endpoint == "get-follow-username" && r.Method == http.MethodGet:
		target, err := ws.GetFollow(identity.Username)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"follow_username": target})
		return
	case endpoint == "set-scroll-position" && r.Method == http.MethodPost:
		if err := ws.SetScroll(identity.Username, body.Path); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	case endpoint == "tree" && r.Method == http.MethodGet:
		explorer, err := ws.Explorer()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, explorer)
		return
	case endpoint == "files" && r.Method == http.MethodGet:
		files, err := ws.Files()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
		return
	}

	if !identity.IsAdmin(owner) {
		writeError(w, http.StatusForbidden, "forbidden", "Unauthorized")
		return
	}

	switch {
	case endpoint == "create-file" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.CreateFile(body.Path, body.Content))
	case endpoint == "save-file" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.SaveText(body.Path, body.Content))
	case endpoint == "create-folder" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.CreateFolder(body.Path))
	case endpoint == "copy-node" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.CopyNode(body.SourcePath, body.TargetPath))
	case endpoint == "move-node" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.MoveNode(body.SourcePath, body.TargetPath))
	case endpoint == "rename-node" && r.Method == http.MethodPost:
		newPath, err := ws.RenameNode(body.Path, body.NewName)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "newPath": newPath})
	case endpoint == "delete-node" && r.Method == http.MethodPost:
		deleted, err := ws.DeleteNode(body.Path)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "not_found", "Node not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case endpoint == "toggle-expansion" && r.Method == http.MethodPost:
		s.respondMutation(w, ws.ToggleExpansion(body.Path))
	case endpoint == "get-next-name" && r.Method == http.MethodPost:
		next, err := ws.NextAvailableName(body.BasePath, body.Extension)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"nextName": next})
	case endpoint == "read-node" && r.Method == http.MethodPost:
		node, err := ws.GetNode(body.Path)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
	default:
		writeError(w, http.StatusNotFound, "not_found", "API endpoint not found")
	}
}

func (s *Server) respondMutation(w http.ResponseWriter, err error) {
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// apiRequest is the union of every __api request body; endpoints read the
// fields they need.
type apiRequest struct {
	Path           string `json:"path"`
	Content        string `json:"content"`
	SourcePath     string `json:"sourcePath"`
	TargetPath     string `json:"targetPath"`
	NewName        string `json:"newName"`
	BasePath       string `json:"basePath"`
	Extension      string `json:"extension"`
	FollowUsername string `json:"follow_username"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out *apiRequest) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid JSON")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workspace.ErrAlreadyExists),
		errors.Is(err, workspace.ErrInvalidPath),
		errors.Is(err, workspace.ErrTargetIsFolder):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
