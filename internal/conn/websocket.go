package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

// WebsocketDialer is the production Dialer. The subject and session ids ride
// as query parameters on the handshake request, which is where the backend's
// auth layer checks them.
type WebsocketDialer struct {
	// HTTPClient overrides the handshake client, mainly for tests.
	HTTPClient *http.Client
}

// Dial opens the websocket and wraps it as a Transport. A 401 or 403 on the
// handshake is surfaced as ErrAuthFailed so the manager stops retrying.
func (d *WebsocketDialer) Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	q := u.Query()
	q.Set("subject_id", cfg.SubjectID)
	q.Set("session_id", cfg.SessionID)
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	c, resp, err := websocket.Dial(ctx, u.String(), opts)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
