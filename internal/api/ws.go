package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"benchduo/internal/duo"
	"benchduo/internal/storage"
)

const wsWriteTimeout = 10 * time.Second

// handleChatStream upgrades to a websocket and relays the conversation's
// event feed. Connecting to a finished conversation closes the socket
// normally right away.
func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetConversation(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "getting conversation: %v", err)
			}
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "conversation_id", id, "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream aborted")

		events, cancel := deps.Broker.Subscribe(id)
		defer cancel()

		// The terminal status lands in storage before the final event is
		// published, so a terminal status read after subscribing means the
		// feed is already over; without this check a late subscriber would
		// wait on a topic nobody publishes to anymore.
		if c, err := deps.Store.GetConversation(r.Context(), id); err == nil && c.Status != string(duo.StatusRunning) {
			conn.Close(websocket.StatusNormalClosure, "conversation finished")
			return
		}

		// Reads are discarded, but reading surfaces client disconnects.
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "conversation finished")
					return
				}
				wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := wsjson.Write(wctx, conn, ev)
				wcancel()
				if err != nil {
					return
				}
				if ev.Final {
					conn.Close(websocket.StatusNormalClosure, "conversation finished")
					return
				}
			}
		}
	}
}
