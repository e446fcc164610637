package connsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpillora/connsvc/connsvc/wire"
)

// ChannelState is the Opening/Open/Closing/Closed lifecycle from the data
// model (§4.2). EOF is tracked separately (eofSent/eofReceived) since
// either direction may go half-closed independently of the other.
type ChannelState int

const (
	StateOpening ChannelState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelType is the plugin contract a channel-type factory implements:
// session, direct-tcpip, forwarded-tcpip, x11, auth-agent@openssh.com.
// Open is invoked once, off the dispatcher's own goroutine, for an inbound
// SSH_MSG_CHANNEL_OPEN naming this type. Implementations wire ch's data/EOF
// callbacks and request handlers before returning. Returning an
// *OpenFailure rejects the channel with that specific reason code and
// message; any other non-nil error rejects it with reason code 0.
type ChannelType interface {
	Open(ctx context.Context, ch *Channel, typeSpecificData []byte) error
}

// ChannelTypeFunc adapts a plain function to the ChannelType interface,
// the same way http.HandlerFunc adapts a function to http.Handler.
type ChannelTypeFunc func(ctx context.Context, ch *Channel, typeSpecificData []byte) error

// Open calls f.
func (f ChannelTypeFunc) Open(ctx context.Context, ch *Channel, typeSpecificData []byte) error {
	return f(ctx, ch, typeSpecificData)
}

// ChannelFactory constructs a fresh ChannelType instance for one inbound
// channel-open, so each channel gets its own per-channel state (pty handle,
// subsystem, dialed socket...).
type ChannelFactory func() ChannelType

// DataHandler receives inbound CHANNEL_DATA (extended=false) or
// CHANNEL_EXTENDED_DATA (extended=true, dataType set) payloads.
type DataHandler func(ch *Channel, extended bool, dataType uint32, data []byte)

// Channel is one multiplexed RFC 4254 channel. It owns its own id pair and
// two independent flow-control windows, and is otherwise a thin dispatch
// target: the channel-type plugin owns all domain behavior via the
// handlers it registers through Handle/OnData/OnEOF.
type Channel struct {
	session  *Session
	chanType string
	localID  uint32
	remoteID uint32
	outbound bool

	sendWindow *Window // credit the peer has granted us to send DATA
	recvWindow *Window // credit we have granted the peer to send DATA

	openFuture  *Future[*Channel]
	closeFuture *Future[struct{}]

	mu          sync.Mutex
	state       ChannelState
	eofSent     bool
	eofReceived bool
	weClosed    bool
	theyClosed  bool
	draining    bool
	writers     sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []ChannelRequestHandler

	onData func(ch *Channel, extended bool, dataType uint32, data []byte)
	onEOF  func(ch *Channel)

	pendingRequests []*Future[bool]

	logger *slog.Logger
}

func newChannel(session *Session, chanType string, localID, remoteID uint32, outbound bool, sendWindow, recvWindow *Window) *Channel {
	return &Channel{
		session:     session,
		chanType:    chanType,
		localID:     localID,
		remoteID:    remoteID,
		outbound:    outbound,
		sendWindow:  sendWindow,
		recvWindow:  recvWindow,
		openFuture:  NewFuture[*Channel](),
		closeFuture: NewFuture[struct{}](),
		state:       StateOpening,
		logger:      session.logger,
	}
}

// ID returns the locally-assigned channel number.
func (ch *Channel) ID() uint32 { return ch.localID }

// Type returns the channel-open type string, e.g. "session".
func (ch *Channel) Type() string { return ch.chanType }

// Outbound reports whether this side sent the original CHANNEL_OPEN.
func (ch *Channel) Outbound() bool { return ch.outbound }

// Session returns the owning Connection Service session.
func (ch *Channel) Session() *Session { return ch.session }

// State reports the current lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// EOFSent reports whether we have sent CHANNEL_EOF on this channel.
func (ch *Channel) EOFSent() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.eofSent
}

// EOFReceived reports whether the peer has sent CHANNEL_EOF.
func (ch *Channel) EOFReceived() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.eofReceived
}

// Handle registers a request handler on this channel's own chain. Safe to
// call from a ChannelType's Open method and from later request handlers.
func (ch *Channel) Handle(h ChannelRequestHandler) {
	ch.handlersMu.Lock()
	defer ch.handlersMu.Unlock()
	ch.handlers = append(ch.handlers, h)
}

func (ch *Channel) snapshotRequestHandlers() []ChannelRequestHandler {
	ch.handlersMu.RLock()
	defer ch.handlersMu.RUnlock()
	return append([]ChannelRequestHandler(nil), ch.handlers...)
}

// OnData registers the callback invoked for inbound DATA/EXTENDED_DATA.
func (ch *Channel) OnData(h DataHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onData = h
}

// OnEOF registers the callback invoked when the peer sends CHANNEL_EOF.
func (ch *Channel) OnEOF(h func(ch *Channel)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onEOF = h
}

// Write sends data as one or more CHANNEL_DATA fragments, blocking on the
// send window (via Window.Reserve) whenever the peer's advertised window is
// exhausted. It returns the number of bytes written before any error.
func (ch *Channel) Write(ctx context.Context, data []byte) (int, error) {
	return ch.write(ctx, wire.MsgChannelData, 0, data)
}

// WriteExtended sends data as one or more CHANNEL_EXTENDED_DATA fragments
// under dataType (only wire.ExtendedDataStderr is standardized).
func (ch *Channel) WriteExtended(ctx context.Context, dataType uint32, data []byte) (int, error) {
	return ch.write(ctx, wire.MsgChannelExtData, dataType, data)
}

func (ch *Channel) write(ctx context.Context, msgType byte, dataType uint32, data []byte) (int, error) {
	ch.mu.Lock()
	if ch.draining {
		ch.mu.Unlock()
		return 0, ErrClosedChannel
	}
	ch.writers.Add(1)
	ch.mu.Unlock()
	defer ch.writers.Done()

	var sent int
	for sent < len(data) {
		n, err := ch.sendWindow.Reserve(ctx, uint32(len(data)-sent))
		if err != nil {
			return sent, err
		}
		chunk := data[sent : sent+int(n)]
		var payload []byte
		if msgType == wire.MsgChannelData {
			payload = wire.Encode(msgType, wire.ChannelDataMsg{RecipientChannel: ch.remoteID, Data: chunk})
		} else {
			payload = wire.Encode(msgType, wire.ChannelExtendedDataMsg{RecipientChannel: ch.remoteID, DataTypeCode: dataType, Data: chunk})
		}
		ch.session.send(payload)
		sent += int(n)
	}
	return sent, nil
}

// SendEOF sends CHANNEL_EOF once; later calls are no-ops, matching the
// latch semantics in the data model.
func (ch *Channel) SendEOF() {
	ch.mu.Lock()
	if ch.eofSent {
		ch.mu.Unlock()
		return
	}
	ch.eofSent = true
	ch.mu.Unlock()
	ch.session.send(wire.Encode(wire.MsgChannelEOF, wire.ChannelEOFMsg{RecipientChannel: ch.remoteID}))
}

// SendRequest issues a CHANNEL_REQUEST. When wantReply is true it blocks
// (subject to ctx) for the matching CHANNEL_SUCCESS/FAILURE, which the
// dispatcher resolves in request order via resolveNextRequest.
func (ch *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	msg := wire.ChannelRequestMsg{RecipientChannel: ch.remoteID, Request: name, WantReply: wantReply, RequestData: payload}
	if !wantReply {
		ch.session.send(wire.Encode(wire.MsgChannelRequest, msg))
		return false, nil
	}
	fut := NewFuture[bool]()
	ch.mu.Lock()
	ch.pendingRequests = append(ch.pendingRequests, fut)
	ch.mu.Unlock()
	ch.session.send(wire.Encode(wire.MsgChannelRequest, msg))
	return fut.Wait(ctx)
}

func (ch *Channel) resolveNextRequest(ok bool) {
	ch.mu.Lock()
	if len(ch.pendingRequests) == 0 {
		ch.mu.Unlock()
		ch.warnf("received request reply with no pending request")
		return
	}
	fut := ch.pendingRequests[0]
	ch.pendingRequests = ch.pendingRequests[1:]
	ch.mu.Unlock()
	fut.Resolve(ok, nil)
}

// handleRequest dispatches an inbound CHANNEL_REQUEST through this
// channel's own handler chain and replies per the RequestResult, mirroring
// Session.handleGlobalRequest for the channel-scoped case.
func (ch *Channel) handleRequest(name string, wantReply bool, payload []byte) {
	result := dispatchRequest(ch, name, wantReply, payload)
	if result == Replied || !wantReply {
		return
	}
	if result == ReplySuccess {
		ch.session.send(wire.Encode(wire.MsgChannelSuccess, wire.ChannelSuccessMsg{RecipientChannel: ch.remoteID}))
	} else {
		ch.session.send(wire.Encode(wire.MsgChannelFailure, wire.ChannelFailureMsg{RecipientChannel: ch.remoteID}))
	}
}

func (ch *Channel) handleData(data []byte) error {
	if err := ch.recvWindow.Check(uint32(len(data))); err != nil {
		return err
	}
	ch.recvWindow.Consume(uint32(len(data)))
	ch.sendWindowAdjustIfLow()
	ch.mu.Lock()
	onData := ch.onData
	ch.mu.Unlock()
	if onData != nil {
		onData(ch, false, 0, data)
	}
	return nil
}

func (ch *Channel) handleExtendedData(dataType uint32, data []byte) error {
	if dataType != wire.ExtendedDataStderr {
		return ErrUnsupportedExtendedDataType
	}
	if err := ch.recvWindow.Check(uint32(len(data))); err != nil {
		return err
	}
	ch.recvWindow.Consume(uint32(len(data)))
	ch.sendWindowAdjustIfLow()
	ch.mu.Lock()
	onData := ch.onData
	ch.mu.Unlock()
	if onData != nil {
		onData(ch, true, dataType, data)
	}
	return nil
}

func (ch *Channel) sendWindowAdjustIfLow() {
	if delta, ok := ch.recvWindow.AdjustIfLow(); ok {
		ch.session.send(wire.Encode(wire.MsgChannelWinAdjust, wire.ChannelWindowAdjustMsg{RecipientChannel: ch.remoteID, BytesToAdd: delta}))
	}
}

func (ch *Channel) handleWindowAdjust(n uint32) error {
	return ch.sendWindow.Expand(n)
}

func (ch *Channel) handleEOF() {
	ch.mu.Lock()
	ch.eofReceived = true
	onEOF := ch.onEOF
	ch.mu.Unlock()
	if onEOF != nil {
		onEOF(ch)
	}
}

// Close initiates (or, if the peer already closed, completes) the
// symmetric close handshake: CHANNEL_CLOSE is sent exactly once regardless
// of who calls Close or handlePeerClose first, and the channel finalizes
// only once both sides have sent it, per the data model's close invariant.
func (ch *Channel) Close() *Future[struct{}] {
	ch.mu.Lock()
	if ch.weClosed {
		ch.mu.Unlock()
		return ch.closeFuture
	}
	ch.weClosed = true
	if ch.state != StateClosed {
		ch.state = StateClosing
	}
	bothClosed := ch.theyClosed
	ch.mu.Unlock()

	ch.sendWindow.Close()
	ch.recvWindow.Close()
	ch.session.send(wire.Encode(wire.MsgChannelClose, wire.ChannelCloseMsg{RecipientChannel: ch.remoteID}))
	if bothClosed {
		ch.finalize()
	}
	return ch.closeFuture
}

// CloseGraceful drains any writes already in flight on this channel, sends
// CHANNEL_EOF, then closes the channel the same way Close does, so the peer
// sees every queued DATA fragment, then EOF, then CLOSE, in that order and
// never CLOSE racing ahead of a write Close would otherwise abort. Writes
// started after CloseGraceful is called are rejected with ErrClosedChannel
// rather than being drained themselves. Safe to call more than once or
// concurrently with Close; only the first call does anything.
func (ch *Channel) CloseGraceful() *Future[struct{}] {
	ch.mu.Lock()
	if ch.weClosed || ch.draining {
		closed := ch.weClosed
		ch.mu.Unlock()
		if closed {
			return ch.closeFuture
		}
		// another goroutine is already draining; wait for it to finish the
		// handshake rather than racing it into Close.
		ch.writers.Wait()
		return ch.closeFuture
	}
	ch.draining = true
	ch.mu.Unlock()

	ch.writers.Wait()
	ch.SendEOF()
	return ch.Close()
}

// WaitClosed returns a future that resolves once the channel has fully
// closed, however that close was triggered, without itself initiating a
// close the way Close does. Useful for cleanup that should run once a
// channel goes away but shouldn't force it closed.
func (ch *Channel) WaitClosed() *Future[struct{}] {
	return ch.closeFuture
}

func (ch *Channel) handlePeerClose() {
	ch.mu.Lock()
	ch.theyClosed = true
	weClosed := ch.weClosed
	ch.mu.Unlock()
	if !weClosed {
		ch.Close()
		return
	}
	ch.finalize()
}

func (ch *Channel) finalize() {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = StateClosed
	pending := ch.pendingRequests
	ch.pendingRequests = nil
	ch.mu.Unlock()
	for _, fut := range pending {
		fut.Resolve(false, ErrClosedChannel)
	}
	ch.closeFuture.Resolve(struct{}{}, nil)
	ch.session.unregisterChannel(ch.localID)
}

func (ch *Channel) debugf(f string, args ...any) {
	if ch.logger != nil {
		ch.logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (ch *Channel) warnf(f string, args ...any) {
	if ch.logger != nil {
		ch.logger.Warn(fmt.Sprintf(f, args...))
	}
}
