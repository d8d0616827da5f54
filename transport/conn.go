package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the relay's /ws endpoint, presenting Token as a bearer credential.
type WebsocketDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
