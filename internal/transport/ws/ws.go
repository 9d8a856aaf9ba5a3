package ws

import (
	"encoding/json"
	"net/http"

	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/wire"
)

// AuthCheck validates the bearer token carried in the ?token= query
// parameter, since a browser WebSocket upgrade cannot set an
// Authorization header the way POST /ipc/<channel> does.
type AuthCheck func(token string) bool

// Serve upgrades r to a WebSocket connection, reads the client's first
// frame as a wire.SubscribeRequest, subscribes it to the requested
// Hub channel, replays the backlog, and then tails live events until
// the client disconnects or the hub drops the subscriber.
func Serve(w http.ResponseWriter, r *http.Request, hb *hub.Hub, authCheck AuthCheck) {
	token := r.URL.Query().Get("token")
	if !authCheck(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := Upgrade(w, r)
	if err != nil {
		logger.Error("ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	opcode, payload, err := conn.ReadMessage()
	if err != nil {
		logger.Info("ws: client disconnected before subscribing: %v", err)
		return
	}
	if opcode != opText {
		logger.Error("ws: expected text frame for subscribe request, got opcode %d", opcode)
		return
	}

	var sub wire.SubscribeRequest
	if err := json.Unmarshal(payload, &sub); err != nil {
		logger.Error("ws: malformed subscribe request: %v", err)
		_ = conn.WriteClose()
		return
	}

	var (
		subscription *hub.Subscription
		backlog      []any
		subErr       error
		fullChannel  string
	)
	switch sub.Channel {
	case hub.WorkspaceMetadataChannel:
		fullChannel = hub.WorkspaceMetadataChannel
		subscription, backlog, subErr = hb.SubscribeMetadata(sub.AfterIndex)
	default:
		if sub.WorkspaceID == "" {
			logger.Error("ws: subscribe request for channel %q missing workspaceId", sub.Channel)
			_ = conn.WriteClose()
			return
		}
		fullChannel = sub.Channel + ":" + sub.WorkspaceID
		subscription, backlog, subErr = hb.SubscribeChat(sub.WorkspaceID, sub.AfterIndex)
	}
	if subErr != nil {
		logger.Error("ws: subscribe failed: %v", subErr)
		_ = conn.WriteClose()
		return
	}
	defer subscription.Close()

	for _, payload := range backlog {
		if err := writeFrame(conn, fullChannel, payload); err != nil {
			return
		}
	}

	// reads drains client frames (pings, close) so the connection's read
	// buffer doesn't stall; the client never sends anything meaningful
	// after the initial subscribe.
	reads := make(chan struct{})
	go func() {
		defer close(reads)
		for {
			opcode, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if opcode == opClose {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-subscription.C:
			if !ok {
				return
			}
			for _, arg := range msg.Args {
				if err := writeFrame(conn, msg.Channel, arg); err != nil {
					return
				}
			}
		case err := <-subscription.Closed:
			logger.Info("ws: subscriber dropped: %v", err)
			_ = conn.WriteClose()
			return
		case <-reads:
			return
		}
	}
}

func writeFrame(conn *Conn, channel string, payload any) error {
	b, err := json.Marshal(wire.Frame{Channel: channel, Args: []any{payload}})
	if err != nil {
		logger.Error("ws: marshal frame: %v", err)
		return err
	}
	return conn.WriteText(b)
}
