package syncengine

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelTransport abstracts the duplex connection under a `Channel`.
// `Dial` blocks until the connection is open or failed. The returned conn
// delivers inbound text through blocking `Receive` calls; a receive error
// means the connection dropped and drives the channel state machine.
type ChannelTransport interface {
	Dial(ctx context.Context, url string) (TransportConn, error)
}

type TransportConn interface {
	Send(text string) error
	Receive() (string, error)
	Close() error
}

type WebsocketTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// must be longer than the peer's heartbeat interval.
	// 0 disables the read deadline
	ReadTimeout time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

// websocket implementation of `ChannelTransport`.
// messages are text frames; the channel layer owns heartbeats.
type WebsocketTransport struct {
	settings *WebsocketTransportSettings
}

func NewWebsocketTransportWithDefaults() *WebsocketTransport {
	return NewWebsocketTransport(DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(settings *WebsocketTransportSettings) *WebsocketTransport {
	return &WebsocketTransport{
		settings: settings,
	}
}

func (self *WebsocketTransport) Dial(ctx context.Context, url string) (TransportConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type websocketConn struct {
	ws       *websocket.Conn
	settings *WebsocketTransportSettings
}

func (self *websocketConn) Send(text string) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (self *websocketConn) Receive() (string, error) {
	for {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return string(message), nil
		default:
			// control frames are handled by gorilla
			continue
		}
	}
}

func (self *websocketConn) Close() error {
	return self.ws.Close()
}
