// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state gives access to the catalog store: the product and
// ticket collections in MongoDB. Every mutation made through the
// Store bumps the entity's version, which is the value the sync
// layer's staleness rule keys on, and touches the updated-at stamp.
package state

import (
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	mgo "github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/storefeed/storefeed/catalog"
)

var logger = loggo.GetLogger("storefeed.state")

// Collection names within the catalog database.
const (
	productsC = "products"
	ticketsC  = "tickets"
)

// reservedFields may not appear in a caller-supplied patch; the store
// maintains them itself.
var reservedFields = set.NewStrings("_id", "version", "updated-at")

// StoreConfig holds the dependencies of a Store.
type StoreConfig struct {
	// Session is the mongo session the store operates on. The store
	// does not close it.
	Session *mgo.Session

	// Database is the name of the catalog database.
	Database string

	// Clock supplies the updated-at stamps.
	Clock clock.Clock
}

// Validate ensures that all the values that have to be set are set.
func (config StoreConfig) Validate() error {
	if config.Session == nil {
		return errors.NotValidf("missing Session")
	}
	if config.Database == "" {
		return errors.NotValidf("missing Database")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Store gives access to the catalog collections.
type Store struct {
	session  *mgo.Session
	database string
	clock    clock.Clock
}

// NewStore returns a Store using the given config.
func NewStore(config StoreConfig) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new store invalid config")
	}
	return &Store{
		session:  config.Session,
		database: config.Database,
		clock:    config.Clock,
	}, nil
}

func (st *Store) db() *mgo.Database {
	if st.session.Ping() != nil {
		st.session.Refresh()
	}
	return st.session.DB(st.database)
}

// AllProducts returns every product in the catalog, ordered by id.
func (st *Store) AllProducts() ([]catalog.Product, error) {
	var docs []catalog.Product
	err := st.db().C(productsC).Find(nil).Sort("_id").All(&docs)
	if err != nil {
		return nil, errors.Annotate(err, "cannot read products")
	}
	return docs, nil
}

// Product returns the product with the given id.
func (st *Store) Product(id string) (*catalog.Product, error) {
	var doc catalog.Product
	err := st.db().C(productsC).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("product %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read product %q", id)
	}
	return &doc, nil
}

// UpsertProduct writes the full document for a product, creating it
// if necessary. The stored version is incremented and updated-at set;
// any values for those fields on p are ignored. The stored document
// is returned.
func (st *Store) UpsertProduct(p *catalog.Product) (*catalog.Product, error) {
	if p.Id == "" {
		return nil, errors.NotValidf("product with empty id")
	}
	sets := bson.M{
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"stock":       p.Stock,
		"active":      p.Active,
		"tags":        p.Tags,
		"updated-at":  st.clock.Now().UTC(),
	}
	change := mgo.Change{
		Update:    bson.M{"$set": sets, "$inc": bson.M{"version": 1}},
		Upsert:    true,
		ReturnNew: true,
	}
	var doc catalog.Product
	if _, err := st.db().C(productsC).FindId(p.Id).Apply(change, &doc); err != nil {
		return nil, errors.Annotatef(err, "cannot upsert product %q", p.Id)
	}
	logger.Debugf("upserted product %q at version %d", doc.Id, doc.Version)
	return &doc, nil
}

// UpdateProduct applies a partial patch to an existing product. The
// patch maps field names to new values; the version and updated-at
// fields are maintained by the store and may not be patched.
func (st *Store) UpdateProduct(id string, patch bson.M) (*catalog.Product, error) {
	if err := validatePatch(patch); err != nil {
		return nil, errors.Trace(err)
	}
	sets := bson.M{"updated-at": st.clock.Now().UTC()}
	for k, v := range patch {
		sets[k] = v
	}
	change := mgo.Change{
		Update:    bson.M{"$set": sets, "$inc": bson.M{"version": 1}},
		ReturnNew: true,
	}
	var doc catalog.Product
	_, err := st.db().C(productsC).FindId(id).Apply(change, &doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("product %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "cannot update product %q", id)
	}
	logger.Debugf("updated product %q fields %v to version %d", id, patch, doc.Version)
	return &doc, nil
}

// RemoveProduct deletes a product from the catalog.
func (st *Store) RemoveProduct(id string) error {
	err := st.db().C(productsC).RemoveId(id)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("product %q", id)
	}
	return errors.Annotatef(err, "cannot remove product %q", id)
}

// AllTickets returns every support ticket, ordered by id.
func (st *Store) AllTickets() ([]catalog.Ticket, error) {
	var docs []catalog.Ticket
	err := st.db().C(ticketsC).Find(nil).Sort("_id").All(&docs)
	if err != nil {
		return nil, errors.Annotate(err, "cannot read tickets")
	}
	return docs, nil
}

// Ticket returns the ticket with the given id.
func (st *Store) Ticket(id string) (*catalog.Ticket, error) {
	var doc catalog.Ticket
	err := st.db().C(ticketsC).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("ticket %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read ticket %q", id)
	}
	return &doc, nil
}

// UpsertTicket writes the full document for a ticket, creating it if
// necessary, and returns the stored document.
func (st *Store) UpsertTicket(t *catalog.Ticket) (*catalog.Ticket, error) {
	if t.Id == "" {
		return nil, errors.NotValidf("ticket with empty id")
	}
	sets := bson.M{
		"product-id": t.ProductId,
		"subject":    t.Subject,
		"status":     t.Status,
		"priority":   t.Priority,
		"updated-at": st.clock.Now().UTC(),
	}
	change := mgo.Change{
		Update:    bson.M{"$set": sets, "$inc": bson.M{"version": 1}},
		Upsert:    true,
		ReturnNew: true,
	}
	var doc catalog.Ticket
	if _, err := st.db().C(ticketsC).FindId(t.Id).Apply(change, &doc); err != nil {
		return nil, errors.Annotatef(err, "cannot upsert ticket %q", t.Id)
	}
	return &doc, nil
}

// UpdateTicket applies a partial patch to an existing ticket.
func (st *Store) UpdateTicket(id string, patch bson.M) (*catalog.Ticket, error) {
	if err := validatePatch(patch); err != nil {
		return nil, errors.Trace(err)
	}
	sets := bson.M{"updated-at": st.clock.Now().UTC()}
	for k, v := range patch {
		sets[k] = v
	}
	change := mgo.Change{
		Update:    bson.M{"$set": sets, "$inc": bson.M{"version": 1}},
		ReturnNew: true,
	}
	var doc catalog.Ticket
	_, err := st.db().C(ticketsC).FindId(id).Apply(change, &doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("ticket %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "cannot update ticket %q", id)
	}
	return &doc, nil
}

// RemoveTicket deletes a ticket.
func (st *Store) RemoveTicket(id string) error {
	err := st.db().C(ticketsC).RemoveId(id)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("ticket %q", id)
	}
	return errors.Annotatef(err, "cannot remove ticket %q", id)
}

func validatePatch(patch bson.M) error {
	if len(patch) == 0 {
		return errors.NotValidf("empty patch")
	}
	for k := range patch {
		if reservedFields.Contains(k) {
			return errors.NotValidf("patching reserved field %q", k)
		}
	}
	return nil
}
