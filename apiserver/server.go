// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the catalog over HTTP: a websocket feed of
// product and ticket updates at /watch, a JSON read API for polling
// consumers, and prometheus metrics. Updates arrive over the central
// hub from the change feed watchers, are serialized once, and fan out
// to every live subscriber without ever blocking on a slow one.
package apiserver

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bmizerany/pat"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/params"
	pscatalog "github.com/storefeed/storefeed/pubsub/catalog"
	"github.com/storefeed/storefeed/version"
)

var logger = loggo.GetLogger("storefeed.apiserver")

const (
	// writeWait is how long a single frame write may take before
	// the connection is considered broken.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the initial connection-established
	// write. A client that cannot absorb one frame in this time is
	// not worth keeping.
	handshakeTimeout = 5 * time.Second

	// defaultProbeInterval is how often the hub pings subscribers
	// that have not spoken since the previous probe.
	defaultProbeInterval = 30 * time.Second

	// defaultOrigin identifies this server in handshake frames when
	// the config does not say otherwise.
	defaultOrigin = "storefeedd"

	// sendBufferSize is the per-subscriber outbound queue depth.
	sendBufferSize = 64
)

// Catalog is the read side of the product catalog served over the
// REST endpoints.
type Catalog interface {
	AllProducts() ([]catalog.Product, error)
	Product(id string) (*catalog.Product, error)
	AllTickets() ([]catalog.Ticket, error)
}

// ServerConfig holds the dependencies and parameters for the api
// server.
type ServerConfig struct {
	// Listener is the listener to serve on. The server takes
	// ownership and closes it on shutdown.
	Listener net.Listener

	// Hub is the central hub carrying catalog change events from
	// the feed watchers.
	Hub *pubsub.StructuredHub

	// Catalog backs the read API.
	Catalog Catalog

	Clock clock.Clock

	// Origin names this server in handshake frames. Defaults to
	// "storefeedd".
	Origin string

	// ProbeInterval overrides the subscriber liveness probe
	// cadence. Defaults to defaultProbeInterval.
	ProbeInterval time.Duration

	// Registry, if set, has the hub metrics registered into it.
	Registry *prometheus.Registry
}

// Validate returns an error if the config cannot be used.
func (c ServerConfig) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("missing Listener")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if c.Catalog == nil {
		return errors.NotValidf("missing Catalog")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Server is a worker that serves the websocket feed and the read API.
type Server struct {
	catacomb  catacomb.Catacomb
	config    ServerConfig
	collector *Collector
	registry  *prometheus.Registry
	srv       *http.Server

	productChanges chan pscatalog.ProductChange
	ticketChanges  chan pscatalog.TicketChange

	mu          sync.Mutex
	closed      bool
	nextID      uint64
	subscribers map[*subscriber]struct{}
}

// NewServer returns a running api server worker.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new server invalid config")
	}
	if config.Origin == "" {
		config.Origin = defaultOrigin
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaultProbeInterval
	}
	w := &Server{
		config:         config,
		collector:      NewMetricsCollector(),
		registry:       config.Registry,
		productChanges: make(chan pscatalog.ProductChange, sendBufferSize),
		ticketChanges:  make(chan pscatalog.TicketChange, sendBufferSize),
		subscribers:    make(map[*subscriber]struct{}),
	}
	if w.registry == nil {
		w.registry = prometheus.NewRegistry()
	}
	if err := w.registry.Register(w.collector); err != nil {
		return nil, errors.Annotate(err, "registering hub metrics")
	}

	mux := pat.New()
	mux.Get("/watch", http.HandlerFunc(w.watchHandler))
	mux.Get("/products/:id", http.HandlerFunc(w.productHandler))
	mux.Get("/products", http.HandlerFunc(w.productsHandler))
	mux.Get("/tickets", http.HandlerFunc(w.ticketsHandler))
	mux.Get("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))
	w.srv = &http.Server{Handler: mux}

	unsubProducts, err := config.Hub.Subscribe(pscatalog.ProductChangeTopic, w.onProductChange)
	if err != nil {
		return nil, errors.Annotate(err, "subscribing to product changes")
	}
	unsubTickets, err := config.Hub.Subscribe(pscatalog.TicketChangeTopic, w.onTicketChange)
	if err != nil {
		unsubProducts()
		return nil, errors.Annotate(err, "subscribing to ticket changes")
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: func() error {
			defer unsubProducts()
			defer unsubTickets()
			return w.loop()
		},
	}); err != nil {
		unsubProducts()
		unsubTickets()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Server) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Server) Wait() error {
	return w.catacomb.Wait()
}

// Report is part of the Reporter interface.
func (w *Server) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := make(map[string]interface{})
	for sub := range w.subscribers {
		role := string(sub.role)
		n, _ := counts[role].(int)
		counts[role] = n + 1
	}
	return map[string]interface{}{
		"addr":        w.config.Listener.Addr().String(),
		"subscribers": counts,
	}
}

func (w *Server) onProductChange(topic string, change pscatalog.ProductChange, err error) {
	if err != nil {
		logger.Errorf("product change callback: %v", err)
		return
	}
	select {
	case w.productChanges <- change:
	case <-w.catacomb.Dying():
	}
}

func (w *Server) onTicketChange(topic string, change pscatalog.TicketChange, err error) {
	if err != nil {
		logger.Errorf("ticket change callback: %v", err)
		return
	}
	select {
	case w.ticketChanges <- change:
	case <-w.catacomb.Dying():
	}
}

func (w *Server) loop() error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- w.srv.Serve(w.config.Listener)
	}()
	// Closing the http server stops the listener; hijacked
	// websocket connections are released by evictAll.
	defer w.evictAll(evictedServerStop)
	defer w.srv.Close()

	probe := w.config.Clock.After(w.config.ProbeInterval)
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case err := <-serveErr:
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.Annotate(err, "feed server")
		case change := <-w.productChanges:
			w.broadcastProduct(change)
		case change := <-w.ticketChanges:
			w.broadcastTicket(change)
		case <-probe:
			w.probeSubscribers()
			probe = w.config.Clock.After(w.config.ProbeInterval)
		}
	}
}

// broadcastProduct serializes one product change and fans it out.
// Changes touching stock, price or availability go to the storefront
// agents a second time on the role-targeted path.
func (w *Server) broadcastProduct(change pscatalog.ProductChange) {
	delta := catalog.Delta{Entity: &change.Product}
	if change.Operation == catalog.OpDeleted {
		delta.Removed = true
		delta.Entity = &catalog.Product{Id: change.Id}
	}
	update := params.ProductUpdate{
		Type:      params.MsgProductUpdate,
		Operation: change.Operation,
		Data:      delta,
		Timestamp: w.config.Clock.Now(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		logger.Errorf("cannot marshal product update: %v", err)
		return
	}
	w.collector.broadcastCount.WithLabelValues("product").Inc()
	w.broadcast(data)
	if catalog.IsCriticalChange(change.Changed) {
		w.broadcastTo(params.AgentRole, data)
	}
}

func (w *Server) broadcastTicket(change pscatalog.TicketChange) {
	delta := catalog.Delta{Entity: &change.Ticket}
	if change.Operation == catalog.OpDeleted {
		delta.Removed = true
		delta.Entity = &catalog.Ticket{Id: change.Id}
	}
	update := params.TicketUpdate{
		Type:      params.MsgTicketUpdate,
		Operation: change.Operation,
		Data:      delta,
		Timestamp: w.config.Clock.Now(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		logger.Errorf("cannot marshal ticket update: %v", err)
		return
	}
	w.collector.broadcastCount.WithLabelValues("ticket").Inc()
	w.broadcast(data)
}

func (w *Server) watchHandler(resp http.ResponseWriter, req *http.Request) {
	role := params.Role(req.Header.Get(params.RoleHeader))
	websocketServer(resp, req, func(conn *websocket.Conn) {
		w.serveFeed(conn, role)
	})
}

// serveFeed completes the feed handshake and then pumps the
// connection until eviction. Runs on the http handler goroutine.
func (w *Server) serveFeed(conn *websocket.Conn, role params.Role) {
	defer conn.Close()
	ack := params.ConnectionEstablished{
		Type:          params.MsgConnectionEstablished,
		Timestamp:     w.config.Clock.Now(),
		Origin:        w.config.Origin,
		ServerVersion: version.Current.String(),
	}
	if err := role.Validate(); err != nil {
		ack.Error = &params.Error{Message: err.Error()}
		conn.SetWriteDeadline(w.config.Clock.Now().Add(handshakeTimeout))
		if err := conn.WriteJSON(ack); err != nil {
			logger.Debugf("cannot write handshake rejection: %v", err)
		}
		return
	}
	conn.SetWriteDeadline(w.config.Clock.Now().Add(handshakeTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		logger.Debugf("handshake write failed: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Time{})

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.mu.Unlock()
	sub := &subscriber{
		id:     id,
		role:   role,
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	if !w.register(sub) {
		return
	}
	go w.writeLoop(sub)
	w.readLoop(sub)
}
