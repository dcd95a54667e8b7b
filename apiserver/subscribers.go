// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/storefeed/storefeed/params"
)

// Eviction reasons, used as metric labels and in logs.
const (
	evictedReadError    = "read-error"
	evictedWriteError   = "write-error"
	evictedProbeTimeout = "probe-timeout"
	evictedServerStop   = "server-stop"
)

// subscriber holds one registered websocket connection. All outbound
// frames flow through sendCh so that a single writer goroutine owns
// the connection's write side.
type subscriber struct {
	id   uint64
	role params.Role
	conn *websocket.Conn

	// sendCh is the bounded outbound queue. When it fills, the
	// oldest queued frame is discarded so that the newest state
	// always wins.
	sendCh chan []byte

	// done is closed exactly once when the subscriber is evicted.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	probed bool
	alive  bool
}

func (sub *subscriber) String() string {
	return fmt.Sprintf("%s subscriber %d (%s)", sub.role, sub.id, sub.conn.RemoteAddr())
}

// enqueue adds data to the outbound queue without ever blocking the
// caller. It reports whether an older frame had to be discarded to
// make room.
func (sub *subscriber) enqueue(data []byte) bool {
	select {
	case sub.sendCh <- data:
		return false
	default:
	}
	// Queue full; discard the oldest frame and try again. If the
	// second send still fails the writer raced us, and the frame
	// it consumed has made room for someone else.
	select {
	case <-sub.sendCh:
	default:
	}
	select {
	case sub.sendCh <- data:
	default:
	}
	return true
}

// markAlive records a liveness reply from the subscriber.
func (sub *subscriber) markAlive() {
	sub.mu.Lock()
	sub.alive = true
	sub.mu.Unlock()
}

// beginProbe starts a probe cycle and reports whether the subscriber
// answered the previous one. A subscriber that has never been probed
// gets a full interval of grace.
func (sub *subscriber) beginProbe() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.probed && !sub.alive {
		return false
	}
	sub.probed = true
	sub.alive = false
	return true
}

// register adds the subscriber to the server's set. It refuses new
// registrations once the server is shutting down.
func (w *Server) register(sub *subscriber) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.subscribers[sub] = struct{}{}
	w.mu.Unlock()
	w.collector.subscriberCount.WithLabelValues(string(sub.role)).Inc()
	logger.Debugf("registered %s", sub)
	return true
}

// evict removes the subscriber and closes its connection. It is safe
// to call from any goroutine, any number of times.
func (w *Server) evict(sub *subscriber, reason string) {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.conn.Close()
		w.mu.Lock()
		_, registered := w.subscribers[sub]
		delete(w.subscribers, sub)
		w.mu.Unlock()
		if registered {
			w.collector.subscriberCount.WithLabelValues(string(sub.role)).Dec()
		}
		w.collector.evictionCount.WithLabelValues(reason).Inc()
		logger.Infof("dropped %s: %s", sub, reason)
	})
}

// snapshot returns the current subscriber set. Broadcasts iterate a
// copy so a slow eviction never holds the registry lock.
func (w *Server) snapshot() []*subscriber {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := make([]*subscriber, 0, len(w.subscribers))
	for sub := range w.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// broadcast queues data for every registered subscriber. A failure or
// a full queue on one subscriber never affects the others.
func (w *Server) broadcast(data []byte) {
	for _, sub := range w.snapshot() {
		if sub.enqueue(data) {
			w.collector.droppedCount.Inc()
			logger.Debugf("dropped oldest frame for slow %s", sub)
		}
	}
}

// broadcastTo queues data for every registered subscriber with the
// given role.
func (w *Server) broadcastTo(role params.Role, data []byte) {
	for _, sub := range w.snapshot() {
		if sub.role != role {
			continue
		}
		if sub.enqueue(data) {
			w.collector.droppedCount.Inc()
			logger.Debugf("dropped oldest frame for slow %s", sub)
		}
	}
}

// probeSubscribers evicts subscribers that failed to answer the
// previous probe and sends a fresh application-level ping to the
// rest.
func (w *Server) probeSubscribers() {
	ping, err := json.Marshal(params.Ping{Type: params.MsgPing})
	if err != nil {
		logger.Errorf("cannot marshal ping: %v", err)
		return
	}
	for _, sub := range w.snapshot() {
		if !sub.beginProbe() {
			w.evict(sub, evictedProbeTimeout)
			continue
		}
		if sub.enqueue(ping) {
			w.collector.droppedCount.Inc()
		}
	}
}

// evictAll drops every subscriber and blocks new registrations.
func (w *Server) evictAll(reason string) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	for _, sub := range w.snapshot() {
		w.evict(sub, reason)
	}
}

// writeLoop owns the write side of the connection, draining the
// subscriber's queue until eviction.
func (w *Server) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.sendCh:
			sub.conn.SetWriteDeadline(w.config.Clock.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("write to %s failed: %v", sub, err)
				w.evict(sub, evictedWriteError)
				return
			}
		}
	}
}

// readLoop owns the read side of the connection. Inbound traffic is
// control only: liveness replies, client pings and the advisory
// subscribe-products message.
func (w *Server) readLoop(sub *subscriber) {
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			w.evict(sub, evictedReadError)
			return
		}
		var m params.Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Debugf("undecodable message from %s: %v", sub, err)
			continue
		}
		switch m.Type {
		case params.MsgPong:
			sub.markAlive()
		case params.MsgPing:
			// The client is probing us; answer so it sees a
			// live server. Answering also counts as traffic
			// from them.
			sub.markAlive()
			pong, err := json.Marshal(params.Pong{
				Type:      params.MsgPong,
				Timestamp: w.config.Clock.Now(),
			})
			if err != nil {
				logger.Errorf("cannot marshal pong: %v", err)
				continue
			}
			sub.enqueue(pong)
		case params.MsgSubscribeProducts:
			// Advisory only; every subscriber already receives
			// the full product feed.
			logger.Tracef("%s subscribed to products", sub)
		default:
			logger.Debugf("unknown message type %q from %s", m.Type, sub)
		}
	}
}
