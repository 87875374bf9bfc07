package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type StreamOptions struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
}

// Stream upgrades the request to a websocket and writes every patch for
// (channel, requestID) as a JSON text message until either side goes away.
// Client messages are ignored. The backlog is only claimed once the upgrade
// has succeeded; patches published in between still land in it.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, channel, requestID string, opts StreamOptions) error {
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(requestID) == "" {
		http.Error(w, ErrInvalidSubscription.Error(), http.StatusBadRequest)
		return ErrInvalidSubscription
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	sub, err := h.Subscribe(channel, requestID)
	if err != nil {
		return conn.Close(websocket.StatusPolicyViolation, err.Error())
	}
	defer sub.Close()

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return closeErr(ctx.Err())
		case event, ok := <-sub.Events():
			if !ok {
				return conn.Close(websocket.StatusGoingAway, "subscription closed")
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return closeErr(err)
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return closeErr(err)
			}
		}
	}
}

func closeErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}
