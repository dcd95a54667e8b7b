// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package catalog defines the entities tracked by the storefeed
// subsystem and the delta format used to describe changes to them.
// Every mutation observed in the catalog store is reduced to a Delta
// carrying the new state of a single entity, or a removal notice.
package catalog

import (
	"time"

	"github.com/juju/collections/set"
)

// The kinds of entity that flow through the feed.
const (
	ProductKind = "product"
	TicketKind  = "ticket"
)

// The operations a change event can describe. Created and Updated
// both carry a full snapshot; Deleted carries only the identifier.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// criticalFields are the product fields whose changes must reach
// agent subscribers even when a general broadcast is degraded or
// filtered. Stock and price drive selling decisions; active controls
// visibility.
var criticalFields = set.NewStrings("stock", "price", "active")

// IsCriticalChange reports whether any of the named fields is one
// whose change warrants an agent-targeted broadcast.
func IsCriticalChange(fields []string) bool {
	for _, f := range fields {
		if criticalFields.Contains(f) {
			return true
		}
	}
	return false
}

// EntityId uniquely identifies an entity within the catalog.
type EntityId struct {
	Kind string `json:"kind"`
	Id   string `json:"id"`
}

// EntityInfo is implemented by all entity payloads carried in deltas.
type EntityInfo interface {
	// EntityId returns an identifier that will uniquely
	// identify the entity within its kind.
	EntityId() EntityId
	// Revision returns the snapshot version of the payload. Versions
	// increase monotonically per entity with every store mutation.
	Revision() int64
}

// Product is the catalog document for a sale item.
type Product struct {
	Id          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	Price       float64   `bson:"price" json:"price"`
	Stock       int       `bson:"stock" json:"stock"`
	Active      bool      `bson:"active" json:"active"`
	Tags        []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	Version     int64     `bson:"version" json:"version"`
	UpdatedAt   time.Time `bson:"updated-at" json:"updated-at"`
}

// EntityId is part of the EntityInfo interface.
func (p *Product) EntityId() EntityId {
	return EntityId{Kind: ProductKind, Id: p.Id}
}

// Revision is part of the EntityInfo interface.
func (p *Product) Revision() int64 {
	return p.Version
}

// Copy returns a deep copy of the product. The cache hands out copies
// so callers can never mutate the cached state.
func (p *Product) Copy() *Product {
	cp := *p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	return &cp
}

// Ticket statuses.
const (
	TicketOpen    = "open"
	TicketPending = "pending"
	TicketClosed  = "closed"
)

// Ticket is a support ticket raised against a product.
type Ticket struct {
	Id        string    `bson:"_id" json:"id"`
	ProductId string    `bson:"product-id" json:"product-id"`
	Subject   string    `bson:"subject" json:"subject"`
	Status    string    `bson:"status" json:"status"`
	Priority  int       `bson:"priority" json:"priority"`
	Version   int64     `bson:"version" json:"version"`
	UpdatedAt time.Time `bson:"updated-at" json:"updated-at"`
}

// EntityId is part of the EntityInfo interface.
func (t *Ticket) EntityId() EntityId {
	return EntityId{Kind: TicketKind, Id: t.Id}
}

// Revision is part of the EntityInfo interface.
func (t *Ticket) Revision() int64 {
	return t.Version
}

// Copy returns a copy of the ticket.
func (t *Ticket) Copy() *Ticket {
	cp := *t
	return &cp
}
