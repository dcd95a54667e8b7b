// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package catalog defines the hub topics and payloads that carry
// catalog changes between the storefeed workers. The server's feed
// watcher publishes on the central hub; on the agent side the remote
// feed worker republishes received updates on the agent's local hub.
package catalog

import (
	"time"

	"github.com/storefeed/storefeed/catalog"
)

// Topics published on the server's central hub by the feed watcher.
const (
	// FeedStartedTopic is published once the feed watcher has opened
	// its feed and is delivering events.
	FeedStartedTopic = "storefeed.feed.started"

	// FeedErrorTopic is published when the feed watcher hits an error
	// it intends to recover from by reopening the stream.
	FeedErrorTopic = "storefeed.feed.error"

	// ProductChangeTopic carries ProductChange payloads.
	ProductChangeTopic = "storefeed.product.change"

	// TicketChangeTopic carries TicketChange payloads.
	TicketChangeTopic = "storefeed.ticket.change"
)

// ProductChange announces a single product mutation observed in the
// catalog store.
type ProductChange struct {
	// Operation is one of catalog.OpCreated, OpUpdated or OpDeleted.
	Operation string `json:"operation"`

	// Id identifies the product. Always set.
	Id string `json:"id"`

	// Product is the full post-change document. Zero for deletions.
	Product catalog.Product `json:"product"`

	// Changed names the fields touched by an update. Empty for
	// creations and deletions.
	Changed []string `json:"changed,omitempty"`

	// ObservedAt is when the watcher saw the change. Diagnostics
	// only; staleness decisions use the document version.
	ObservedAt time.Time `json:"observed-at"`
}

// TicketChange announces a single ticket mutation observed in the
// catalog store.
type TicketChange struct {
	Operation  string         `json:"operation"`
	Id         string         `json:"id"`
	Ticket     catalog.Ticket `json:"ticket"`
	Changed    []string       `json:"changed,omitempty"`
	ObservedAt time.Time      `json:"observed-at"`
}

// FeedError is the payload for FeedErrorTopic.
type FeedError struct {
	Message string `json:"message"`
}

// Topics published on an agent's local hub as frames arrive from the
// remote feed. Payloads are passed by value, not marshalled.
const (
	// RemoteProductUpdateTopic carries a []catalog.Delta payload.
	RemoteProductUpdateTopic = "storefeed.remote.product-update"

	// RemoteTicketUpdateTopic carries a []catalog.Delta payload.
	RemoteTicketUpdateTopic = "storefeed.remote.ticket-update"

	// RemoteConnectionTopic carries a ConnectionStatus payload each
	// time the feed connection changes state.
	RemoteConnectionTopic = "storefeed.remote.connection"
)

// Connection state names carried in ConnectionStatus.State.
const (
	StateDisconnected    = "disconnected"
	StateConnecting      = "connecting"
	StateConnected       = "connected"
	StateDegradedPolling = "degraded-polling"
)

// ConnectionStatus describes a transition of the remote feed
// connection state machine.
type ConnectionStatus struct {
	// State is the name of the state just entered.
	State string

	// Attempt is the dial attempt that produced the transition, zero
	// when not dialling.
	Attempt int

	// Err is the failure that caused the transition, if any.
	Err error
}
