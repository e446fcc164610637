package connsvc

import (
	"fmt"
	"sync"
)

// RequestResult is a handler's verdict on a global or channel request.
type RequestResult int

const (
	// Unsupported means this handler does not recognize the request; the
	// router tries the next handler in the chain.
	Unsupported RequestResult = iota
	// Replied means the handler already wrote the wire reply itself; the
	// router does nothing further.
	Replied
	// ReplySuccess means the router should send SUCCESS (iff want_reply).
	ReplySuccess
	// ReplyFailure means the router should send FAILURE (iff want_reply).
	ReplyFailure
)

func (r RequestResult) String() string {
	switch r {
	case Unsupported:
		return "Unsupported"
	case Replied:
		return "Replied"
	case ReplySuccess:
		return "ReplySuccess"
	case ReplyFailure:
		return "ReplyFailure"
	default:
		return "RequestResult(?)"
	}
}

// GlobalRequestHandler handles one SSH_MSG_GLOBAL_REQUEST. Handlers are
// tried in registration order; return Unsupported to defer to the next one.
type GlobalRequestHandler func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error)

// ChannelRequestHandler handles one SSH_MSG_CHANNEL_REQUEST scoped to a
// single channel. Handlers are tried in registration order on that channel.
type ChannelRequestHandler func(ch *Channel, name string, wantReply bool, payload []byte) (RequestResult, error)

// Router holds the ordered chain of global-request handlers for a Session.
// Channel-request chains live on the Channel itself (§4.7: each channel
// type wires its own requests at construction), but both are interpreted
// by the same dispatchChain logic below.
type Router struct {
	mu     sync.RWMutex
	global []GlobalRequestHandler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Use appends a global-request handler to the end of the chain.
func (r *Router) Use(h GlobalRequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, h)
}

func (r *Router) snapshot() []GlobalRequestHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]GlobalRequestHandler(nil), r.global...)
}

// Dispatch runs the global chain for one request.
func (r *Router) Dispatch(s *Session, name string, wantReply bool, payload []byte) RequestResult {
	handlers := r.snapshot()
	return dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(s, name, wantReply, payload)
	}, func(format string, args ...any) {
		if s.logger != nil {
			s.logger.Warn(fmt.Sprintf(format, args...))
		}
	}, name)
}

// dispatchRequest runs a channel's own chain for one channel request.
func dispatchRequest(ch *Channel, name string, wantReply bool, payload []byte) RequestResult {
	handlers := ch.snapshotRequestHandlers()
	return dispatchChain(handlers, func(h ChannelRequestHandler) (RequestResult, error) {
		return h(ch, name, wantReply, payload)
	}, func(format string, args ...any) {
		ch.warnf(format, args...)
	}, name)
}

// dispatchChain implements the shared try-next-on-Unsupported semantics:
// handler exceptions (panics) and returned errors both degrade to
// ReplyFailure without propagating into the caller, per §4.4/§7. If no
// handler accepts, the chain also degrades to ReplyFailure after logging a
// warning, matching AbstractConnectionService.globalRequest's default.
func dispatchChain[H any](handlers []H, invoke func(H) (RequestResult, error), warnf func(string, ...any), name string) RequestResult {
	for _, h := range handlers {
		result, err := invokeHandler(h, invoke)
		if err != nil {
			warnf("request %q handler failed: %s", name, err)
			return ReplyFailure
		}
		if result != Unsupported {
			return result
		}
	}
	warnf("no handler accepted request %q", name)
	return ReplyFailure
}

func invokeHandler[H any](h H, invoke func(H) (RequestResult, error)) (result RequestResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = ReplyFailure
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return invoke(h)
}
