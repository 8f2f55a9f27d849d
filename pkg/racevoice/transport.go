package racevoice

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is one live framed connection to the upstream service. Send is
// safe for concurrent use; Receive must be called from a single reader.
type Transport interface {
	Send(env *Envelope) error
	Receive() (*Envelope, error)
	Close() error
}

// Dialer opens a Transport. Injectable so tests can supply a fake.
type Dialer func(endpoint string, header http.Header) (Transport, error)

// wsTransport wraps a gorilla websocket connection.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket is the production Dialer.
func DialWebSocket(endpoint string, header http.Header) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		return nil, WrapError(err, ErrCodeConnectionFailed)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(env *Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(env); err != nil {
		return WrapError(err, ErrCodeWebSocket)
	}
	return nil
}

func (t *wsTransport) Receive() (*Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, WrapError(err, ErrCodeWebSocket)
	}
	return DecodeEnvelope(data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// authHeader builds the bearer header for the handshake.
func authHeader(token *SessionToken) http.Header {
	header := make(http.Header)
	if token != nil && token.Token != "" {
		header.Set("Authorization", "Bearer "+token.Token)
	}
	return header
}
