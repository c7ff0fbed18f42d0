// Package dispatch maps inbound message types to their handlers. The
// processor claims messages from the queue and hands them here; a handler
// error fails the message but never tears down the agent session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// ErrNoHandler is returned by Route when nothing is registered for a type.
var ErrNoHandler = errors.New("unknown message type")

// HandlerFunc processes one inbound message. host is the resolved, approved
// host record; it is nil only for handlers that establish identity themselves.
type HandlerFunc func(ctx context.Context, host *store.Host, msg *protocol.Message) error

// Router is a registry of handlers keyed by message type.
type Router struct {
	log      zerolog.Logger
	mu       sync.RWMutex
	handlers map[protocol.MessageType]HandlerFunc
}

func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		log:      log.With().Str("component", "dispatch").Logger(),
		handlers: make(map[protocol.MessageType]HandlerFunc),
	}
}

// Register installs a handler for a message type. Registering the same type
// twice is a programming error and panics.
func (r *Router) Register(msgType protocol.MessageType, h HandlerFunc) {
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for %q", msgType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[msgType]; dup {
		panic(fmt.Sprintf("dispatch: handler for %q registered twice", msgType))
	}
	r.handlers[msgType] = h
}

// Handles reports whether a handler is registered for the type.
func (r *Router) Handles(msgType protocol.MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[msgType]
	return ok
}

// Types returns the registered message types in sorted order.
func (r *Router) Types() []protocol.MessageType {
	r.mu.RLock()
	types := make([]protocol.MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Route invokes the handler for the message's type.
func (r *Router) Route(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}

	hostname := ""
	if host != nil {
		hostname = host.FQDN
	}
	r.log.Debug().Str("type", string(msg.Type)).Str("message_id", msg.ID).Str("hostname", hostname).Msg("routing message")

	if err := h(ctx, host, msg); err != nil {
		return fmt.Errorf("handle %s: %w", msg.Type, err)
	}
	return nil
}
