package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/xytext/xytext/internal/logging"
	"github.com/xytext/xytext/internal/workspace"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket upgrades the request and bridges the connection to the
// workspace actor: a writer goroutine drains the session's outbound queue
// while this goroutine feeds inbound frames to the engine. Either side
// failing tears the session down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, owner string, identity Identity) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logging.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ws := s.manager.Get(owner)
	viewer := workspace.Viewer{
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		IsAdmin:     identity.IsAdmin(owner),
	}
	sess, err := ws.Connect(r.URL.Path, viewer)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return
	}

	ctx := r.Context()
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for data := range sess.Outbound() {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if msgType != websocket.MessageText {
			continue
		}
		ws.HandleFrame(sess.ID, data)
	}

	ws.Disconnect(sess.ID)
	<-writeDone
	conn.Close(websocket.StatusNormalClosure, "")
}
