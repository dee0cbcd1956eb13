package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleRuntimeLogs follows the active slot container's output over a
// WebSocket, one log line per text message.
func (s *Server) handleRuntimeLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromURL(w, r)
	if !ok {
		return
	}
	containerID := project.ContainerIDForSlot(project.ActiveSlot)
	if containerID == "" {
		s.writeError(w, http.StatusConflict, "project has no active container")
		return
	}

	stream, err := s.runtime.StreamLogs(r.Context(), containerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to attach logs")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Close()
		return
	}
	defer conn.Close()
	defer stream.Close()

	// Reader drain: notices the client going away mid-stream.
	go func() {
		defer stream.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			return
		}
	}
}

// terminalControl is the client's in-band control frame for the terminal
// socket. Anything that is not valid JSON of this shape is keystroke data.
type terminalControl struct {
	Type string `json:"type"` // "resize"
	Rows uint   `json:"rows"`
	Cols uint   `json:"cols"`
}

// handleTerminal bridges a WebSocket to an interactive shell inside a
// standalone container. Binary frames carry the byte streams; text frames
// carry resize controls.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ctr, ok := s.containerFromURL(w, r)
	if !ok {
		return
	}
	if ctr.DockerID == "" {
		s.writeError(w, http.StatusConflict, "container is not running")
		return
	}

	execID, session, err := s.runtime.CreateExec(r.Context(), ctr.DockerID, []string{"/bin/sh"})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to open shell")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Close()
		return
	}
	defer conn.Close()
	defer session.Close()

	// Shell output -> client.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := session.Reader.Read(buf)
			if n > 0 {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Client -> shell stdin, with resize controls in text frames.
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.TextMessage {
			var ctl terminalControl
			if json.Unmarshal(data, &ctl) == nil && ctl.Type == "resize" {
				if err := s.runtime.ResizeTTY(r.Context(), execID, ctl.Rows, ctl.Cols); err != nil {
					s.logger.Warn().Err(err).Str("container", ctr.Name).Msg("resize failed")
				}
				continue
			}
		}
		if _, err := session.Conn.Write(data); err != nil {
			break
		}
	}
	session.Close()
	<-done
}
