// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params defines the wire formats spoken between the
// storefeed server and its subscribers: the websocket feed messages
// and the read API payloads. Everything here is marshalled as JSON.
package params

import (
	"time"

	"github.com/juju/errors"

	"github.com/storefeed/storefeed/catalog"
)

// Role identifies the class of a feed subscriber. Operators run the
// back-office consoles; agents run the storefront caches.
type Role string

const (
	OperatorRole Role = "operator"
	AgentRole    Role = "agent"
)

// Validate returns an error if the role is not one of the known
// subscriber classes.
func (r Role) Validate() error {
	switch r {
	case OperatorRole, AgentRole:
		return nil
	}
	return errors.NotValidf("role %q", string(r))
}

// RoleHeader is the request header a subscriber uses to declare its
// role during the websocket handshake. The hub trusts the declared
// value; authentication happens in front of this layer.
const RoleHeader = "X-Storefeed-Role"

// ContentTypeJSON is the HTTP content-type value used for JSON content.
const ContentTypeJSON = "application/json"

// Websocket message types. Every frame is a JSON object whose "type"
// field holds one of these values. Frames with unknown types are
// logged and dropped.
const (
	MsgConnectionEstablished = "connection-established"
	MsgSubscribeProducts     = "subscribe-products"
	MsgPing                  = "ping"
	MsgPong                  = "pong"
	MsgProductUpdate         = "product-update"
	MsgTicketUpdate          = "ticket-update"
)

// Message is the envelope used to sniff the type of an incoming frame
// before unmarshalling it into the concrete message struct.
type Message struct {
	Type string `json:"type"`
}

// Error is the transport representation of an error.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ConnectionEstablished is the first frame the server writes on every
// accepted websocket. A non-nil Error means the handshake was
// rejected and the connection is about to close.
type ConnectionEstablished struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Origin        string    `json:"origin,omitempty"`
	ServerVersion string    `json:"server-version,omitempty"`
	Error         *Error    `json:"error,omitempty"`
}

// SubscribeProducts is sent by a subscriber after connecting, and
// again after every reconnect, to declare interest in product
// updates. It is advisory; the hub broadcasts to all live
// connections regardless.
type SubscribeProducts struct {
	Type string `json:"type"`
}

// Ping is a liveness probe. Either peer may send one; the other must
// answer with a Pong promptly or be treated as gone.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ProductUpdate carries one product change to a subscriber. The hub
// serializes each update exactly once and writes the same bytes to
// every recipient.
type ProductUpdate struct {
	Type      string        `json:"type"`
	Operation string        `json:"operation"`
	Data      catalog.Delta `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// TicketUpdate carries one ticket change to a subscriber.
type TicketUpdate struct {
	Type      string        `json:"type"`
	Operation string        `json:"operation"`
	Data      catalog.Delta `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProductsResponse is the body of GET /products. Success false means
// the poll cycle should be treated as a no-op by the caller, not as
// fatal.
type ProductsResponse struct {
	Success bool              `json:"success"`
	Data    []catalog.Product `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ProductResponse is the body of GET /products/:id.
type ProductResponse struct {
	Success bool             `json:"success"`
	Data    *catalog.Product `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// TicketsResponse is the body of GET /tickets.
type TicketsResponse struct {
	Success bool             `json:"success"`
	Data    []catalog.Ticket `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}
