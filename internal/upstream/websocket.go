package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-chatdispatch/internal/config"
	"github.com/n0madic/go-chatdispatch/internal/stream"
)

const wsHandshakeTimeout = 30 * time.Second

// DialWebSocket opens a WebSocket connection to rawURL. A rejected handshake
// is returned as *Error carrying the HTTP status.
func (c *Client) DialWebSocket(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	h := http.Header{}
	config.ApplyDefaultHeaders(h)
	for k, vs := range header {
		h[k] = append([]string(nil), vs...)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if c.Verbose {
		u, _ := url.Parse(rawURL)
		slog.Info("upstream.websocket.dial", "url", redactURL(u))
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &Error{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// WebSocketSource writes first as a JSON message and then forwards every
// JSON text frame the server sends to the returned source. A normal close
// ends the source with io.EOF. Closing the source closes conn.
func WebSocketSource(conn *websocket.Conn, first any) (stream.Source, error) {
	if err := conn.WriteJSON(first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket write failed: %w", err)
	}
	pipe := stream.NewPipe(conn.Close)
	go func() {
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					pipe.Finish(nil)
				} else {
					pipe.Finish(err)
				}
				return
			}
			if kind != websocket.TextMessage || !gjson.ValidBytes(msg) {
				continue
			}
			if !pipe.Send("", msg) {
				return
			}
		}
	}()
	return pipe, nil
}
