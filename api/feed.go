// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/storefeed/storefeed/params"
)

const (
	dialHandshakeTimeout = 10 * time.Second
	helloTimeout         = 10 * time.Second
	feedWriteWait        = 10 * time.Second
)

// FeedConfig holds what is needed to join the live update feed.
type FeedConfig struct {
	// URL is the websocket endpoint, e.g. "ws://10.0.0.1:17700/watch".
	URL string

	// Role declares what kind of subscriber this is.
	Role params.Role
}

// Validate returns an error if the config cannot be used.
func (c FeedConfig) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("missing URL")
	}
	if err := c.Role.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Feed is a live connection to the update feed. It is not safe for
// concurrent use by multiple readers or multiple writers; the usual
// arrangement is one goroutine reading and one writing.
type Feed struct {
	conn  *websocket.Conn
	hello params.ConnectionEstablished
}

// DialFeed connects to the update feed, declares the role, and
// consumes the handshake frame. A handshake frame carrying an error
// means the server refused us; the connection is closed and the error
// returned.
func DialFeed(ctx context.Context, config FeedConfig) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "dialling feed invalid config")
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialHandshakeTimeout,
	}
	header := http.Header{}
	header.Set(params.RoleHeader, string(config.Role))
	conn, _, err := dialer.DialContext(ctx, config.URL, header)
	if err != nil {
		return nil, errors.Annotatef(err, "dialling %s", config.URL)
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "reading handshake")
	}
	conn.SetReadDeadline(time.Time{})
	var hello params.ConnectionEstablished
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "undecodable handshake")
	}
	if hello.Type != params.MsgConnectionEstablished {
		conn.Close()
		return nil, errors.Errorf("unexpected first frame %q", hello.Type)
	}
	if hello.Error != nil {
		conn.Close()
		return nil, errors.Errorf("server refused connection: %s", hello.Error.Message)
	}
	logger.Debugf("connected to %s (%s, server %s)", config.URL, hello.Origin, hello.ServerVersion)
	return &Feed{conn: conn, hello: hello}, nil
}

// Established returns the handshake frame the server opened with.
func (f *Feed) Established() params.ConnectionEstablished {
	return f.hello
}

// Next blocks until a frame arrives and returns it decoded as the
// concrete message type: params.ProductUpdate, params.TicketUpdate,
// params.Ping or params.Pong. Frames of unknown type come back as a
// bare params.Message so the caller can skip them.
func (f *Feed) Next() (interface{}, error) {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var m params.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Annotate(err, "undecodable frame")
	}
	switch m.Type {
	case params.MsgProductUpdate:
		var update params.ProductUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return nil, errors.Annotate(err, "undecodable product update")
		}
		return update, nil
	case params.MsgTicketUpdate:
		var update params.TicketUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return nil, errors.Annotate(err, "undecodable ticket update")
		}
		return update, nil
	case params.MsgPing:
		var ping params.Ping
		if err := json.Unmarshal(data, &ping); err != nil {
			return nil, errors.Annotate(err, "undecodable ping")
		}
		return ping, nil
	case params.MsgPong:
		var pong params.Pong
		if err := json.Unmarshal(data, &pong); err != nil {
			return nil, errors.Annotate(err, "undecodable pong")
		}
		return pong, nil
	}
	return m, nil
}

func (f *Feed) write(msg interface{}) error {
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return errors.Trace(f.conn.WriteJSON(msg))
}

// SendSubscribeProducts declares interest in product updates. Sent
// after every connect and reconnect.
func (f *Feed) SendSubscribeProducts() error {
	return f.write(params.SubscribeProducts{Type: params.MsgSubscribeProducts})
}

// SendPing probes the server.
func (f *Feed) SendPing() error {
	return f.write(params.Ping{Type: params.MsgPing})
}

// SendPong answers a server probe.
func (f *Feed) SendPong() error {
	return f.write(params.Pong{Type: params.MsgPong, Timestamp: time.Now()})
}

// Close tears the connection down.
func (f *Feed) Close() error {
	return f.conn.Close()
}
