package evcc

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eosconnect/eosconnect/pkg/log"
)

const wsReconnectDelay = 5 * time.Second

// RunPushListener subscribes to the EVCC websocket feed and triggers an
// immediate Refresh whenever a message mentions charging state. The listener
// is an accelerator on top of polling: any failure here is logged at debug
// level and the provider falls back to the 10 s poll cadence until the
// connection can be re-established.
func (p *Provider) RunPushListener(ctx context.Context) {
	wsURL, err := p.websocketURL()
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "evcc websocket disabled", slog.Any("error", err))
		return
	}
	for {
		p.listenOnce(ctx, wsURL)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (p *Provider) listenOnce(ctx context.Context, wsURL string) {
	dialer := &websocket.Dialer{HandshakeTimeout: 6 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "evcc websocket dial failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	log.Ctx(ctx).DebugContext(ctx, "evcc websocket connected", slog.String("url", wsURL))

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Ctx(ctx).DebugContext(ctx, "evcc websocket read failed", slog.Any("error", err))
			}
			return
		}
		if !bytes.Contains(msg, []byte("charging")) {
			continue
		}
		if _, err := p.Refresh(ctx, time.Now()); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// websocketURL derives the ws:// endpoint from the configured API base URL.
func (p *Provider) websocketURL() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
