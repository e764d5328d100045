package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// livePollInterval is how often the live feed re-reads the snapshot.
	livePollInterval = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is already validated by corsMiddleware.
		return true
	},
}

// serveLive streams a device's snapshot over a WebSocket. A frame is sent
// on connect and then whenever the device's last_seen advances.
func (a *API) serveLive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Errorw("WebSocket upgrade failed", "device", id, "error", err)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			// Clients never send data; read only to detect disconnects.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		poll := time.NewTicker(livePollInterval)
		ping := time.NewTicker(pingPeriod)
		defer poll.Stop()
		defer ping.Stop()

		var lastSeen int64 = -1
		send := func() bool {
			snap, err := a.history.DeviceSnapshot(r.Context(), id)
			if err != nil {
				a.logger.Debugw("Live snapshot failed", "device", id, "error", err)
				return true
			}
			if snap.Device.LastSeen == lastSeen {
				return true
			}
			lastSeen = snap.Device.LastSeen
			payload, err := json.Marshal(snap)
			if err != nil {
				return true
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteMessage(websocket.TextMessage, payload) == nil
		}

		if !send() {
			return
		}
		for {
			select {
			case <-poll.C:
				if !send() {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-a.stopCh:
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		}
	}()
}
