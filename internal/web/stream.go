package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from the device itself; any origin on the local
	// network may watch the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 20 * time.Second
)

// streamHandler pushes every published fix to a websocket client as JSON.
func streamHandler(fixes *FixBroadcaster, staleAfter time.Duration, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if fixes == nil {
			http.Error(w, "gps stream unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("gps stream: websocket upgrade failed")
			return
		}
		defer conn.Close()

		id, ch := fixes.Subscribe(4)
		defer fixes.Unsubscribe(id)

		// Reads only detect the client going away; clients send nothing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Debug().Err(err).Msg("gps stream: client error")
					}
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			case fix, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(NewFixView(fix, time.Now(), staleAfter)); err != nil {
					log.Debug().Err(err).Msg("gps stream: write failed")
					return
				}
			}
		}
	}
}
