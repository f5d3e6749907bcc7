package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Stream handles GET /v1/stream. Each text frame is one sample envelope,
// answered with the same body the HTTP endpoint would return. When the
// socket closes, every connection that reported on it is recorded closed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	h.logger.Debug("sample stream opened", slog.String("remote_addr", r.RemoteAddr))

	seen := make(map[string]struct{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("sample stream read failed", slog.String("error", err.Error()))
			}
			break
		}

		var env sampleEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			if writeErr := ws.WriteJSON(errorBody("invalid sample")); writeErr != nil {
				break
			}
			continue
		}

		status, body := h.process(r.Context(), env)

		// Accepted and rejected envelopes both passed admission, so the
		// tracker saw this connection.
		if status == http.StatusAccepted || status == http.StatusBadGateway {
			seen[env.ConnectionID] = struct{}{}
		}

		if err := ws.WriteJSON(body); err != nil {
			break
		}
	}

	for id := range seen {
		if err := h.tracker.RecordClosed(r.Context(), id); err != nil {
			h.logger.Warn("connection close not persisted",
				slog.String("connection_id", id),
				slog.String("error", err.Error()))
		}
	}

	h.logger.Debug("sample stream closed",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Int("connections", len(seen)))
}
