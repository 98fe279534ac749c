package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"fogsync/internal/constants"
)

// Conn is one established duplex connection carrying text and binary frames.
type Conn interface {
	Read(ctx context.Context) (data []byte, binary bool, err error)
	Write(ctx context.Context, data []byte, binary bool) error
	Close(reason string) error
}

// Dialer opens connections to the realtime endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the realtime endpoint over a websocket.
type WebSocketDialer struct {
	HTTPClient  *http.Client
	HTTPHeader  http.Header
	ReadLimit   int64
	DialTimeout time.Duration
}

// NewWebSocketDialer returns a dialer with the default read limit and dial timeout.
func NewWebSocketDialer(client *http.Client) *WebSocketDialer {
	return &WebSocketDialer{
		HTTPClient:  client,
		ReadLimit:   constants.DefaultReadLimitBytes,
		DialTimeout: constants.DefaultDialTimeoutSec * time.Second,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn adapts an accepted or dialed websocket connection.
func NewWebSocketConn(c *websocket.Conn) Conn {
	return &wsConn{conn: c}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte, binary bool) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return w.conn.Write(ctx, typ, data)
}

// maxCloseReason is the close frame payload limit minus the status code.
const maxCloseReason = 123

func (w *wsConn) Close(reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
