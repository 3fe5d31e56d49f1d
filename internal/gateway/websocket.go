package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/config"
)

const (
	wsHeartbeatInterval = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// proxyWebSocket bridges the client socket to the upstream socket with
// two concurrent relays. The first side to fail closes both, and any
// transport error surfaces as close code 1011.
func (g *Gateway) proxyWebSocket(w http.ResponseWriter, r *http.Request, route config.GatewayRoute) {
	target := targetURL(route, r)
	target = strings.Replace(target, "http://", "ws://", 1)
	target = strings.Replace(target, "https://", "wss://", 1)

	upstream, _, err := websocket.DefaultDialer.DialContext(r.Context(), target, nil)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("WebSocket upstream dial failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go relay(client, upstream, errc)
	go relay(upstream, client, errc)

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-errc:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "proxy error")
				client.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteTimeout))
				upstream.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteTimeout))
			}
			return
		case <-heartbeat.C:
			if err := client.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// relay pumps messages one direction until error or close.
func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		dst.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := dst.WriteMessage(msgType, payload); err != nil {
			errc <- err
			return
		}
	}
}
