package connsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpillora/connsvc/connsvc/wire"
)

const (
	defaultWindowMaxSize uint32 = 1 << 21 // 2MiB
	defaultPacketSize    uint32 = 1 << 15 // 32KiB

	// writeQueueSize bounds how many outbound packets send may have
	// enqueued ahead of the single writer goroutine actually handing them
	// to the transport.
	writeQueueSize = 64
)

// Option configures a Session at construction.
type Option func(*Session)

// WithLogger attaches a logger; a nil logger (the default) disables all
// connsvc logging, per the debugf/warnf/errorf nil-check convention used
// throughout this package.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMaxChannels caps the number of concurrently open channels this
// session will register, matching the sshd "max-sshd-channels" knob (§4.3).
// Zero (the default) means unlimited.
func WithMaxChannels(n int) Option {
	return func(s *Session) { s.maxChannels = n }
}

// WithWindow overrides the window size and max packet size this session
// advertises for channels it participates in, on both sides of an open.
func WithWindow(maxSize, packetSize uint32) Option {
	return func(s *Session) {
		s.localWindowMaxSize = maxSize
		s.localPacketSize = packetSize
	}
}

type globalReplyResult struct {
	ok   bool
	data []byte
}

// Session is one side of one SSH connection's Connection Service: the
// channel registry and the GLOBAL_REQUEST/CHANNEL_* dispatcher described in
// §4.3-§4.5. Callers feed it decoded packets via Process and registered
// channel types/request handlers drive everything else.
type Session struct {
	transport Transport
	router    *Router

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	channels          map[uint32]*Channel
	nextChannelID     uint32
	factories         map[string]ChannelFactory
	maxChannels       int
	allowMoreSessions bool
	closing           bool
	closeFuture       *Future[struct{}]
	subServices       []Closeable

	pendingGlobalRequests []*Future[globalReplyResult]

	localWindowMaxSize uint32
	localPacketSize    uint32

	writeQueue chan []byte

	logger *slog.Logger
}

// NewSession creates a Session bound to transport. No channel types are
// registered and no global request handlers are installed; callers add
// both via Register and Use before feeding it any packets.
func NewSession(transport Transport, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:          transport,
		router:             NewRouter(),
		ctx:                ctx,
		cancel:             cancel,
		channels:           make(map[uint32]*Channel),
		factories:          make(map[string]ChannelFactory),
		closeFuture:        NewFuture[struct{}](),
		allowMoreSessions:  true,
		localWindowMaxSize: defaultWindowMaxSize,
		localPacketSize:    defaultPacketSize,
		writeQueue:         make(chan []byte, writeQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.writeLoop()
	return s
}

// Use appends a global-request handler to this session's router.
func (s *Session) Use(h GlobalRequestHandler) { s.router.Use(h) }

// Register installs factory as the handler for inbound CHANNEL_OPEN
// requests naming chanType, e.g. "session" or "direct-tcpip".
func (s *Session) Register(chanType string, factory ChannelFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[chanType] = factory
}

// AddSubService registers an external collaborator (a Forwarder's
// listener, an agent socket...) to be closed alongside the session, per
// §4.8's graceful/immediate close coordination.
func (s *Session) AddSubService(c Closeable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subServices = append(s.subServices, c)
}

// SetAllowMoreSessions toggles whether this session accepts further
// "session"-typed CHANNEL_OPEN requests. Other channel types (direct-tcpip,
// x11, auth-agent@openssh.com) are unaffected; this gates interactive/exec
// sessions specifically, the same scope a caller reaches for when it wants
// to stop handing out new shells without tearing down existing forwards.
// Defaults to true.
func (s *Session) SetAllowMoreSessions(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowMoreSessions = allow
}

// SessionID returns the transport's key-exchange hash.
func (s *Session) SessionID() []byte { return s.transport.SessionID() }

// Context is canceled once the session starts closing, for channel types
// that want to tie their own background work to the session's lifetime.
func (s *Session) Context() context.Context { return s.ctx }

// Process decodes and dispatches one inbound packet by its leading message
// number, per the table in §4.3. It returns a non-nil error only for
// protocol violations (unknown channel id, malformed payload, unsupported
// message number); callers should treat that as fatal to the connection.
func (s *Session) Process(cmd byte, payload []byte) error {
	switch cmd {
	case wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case wire.MsgRequestSuccess:
		return s.handleRequestSuccess(payload)
	case wire.MsgRequestFailure:
		return s.handleRequestFailure(payload)
	case wire.MsgChannelOpen:
		return s.handleChannelOpen(payload)
	case wire.MsgChannelOpenConf:
		return s.handleChannelOpenConfirm(payload)
	case wire.MsgChannelOpenFail:
		return s.handleChannelOpenFailure(payload)
	case wire.MsgChannelWinAdjust:
		return s.handleChannelWindowAdjust(payload)
	case wire.MsgChannelData:
		return s.handleChannelData(payload)
	case wire.MsgChannelExtData:
		return s.handleChannelExtendedData(payload)
	case wire.MsgChannelEOF:
		return s.handleChannelEOF(payload)
	case wire.MsgChannelClose:
		return s.handleChannelClose(payload)
	case wire.MsgChannelRequest:
		return s.handleChannelRequest(payload)
	case wire.MsgChannelSuccess:
		return s.handleChannelSuccess(payload)
	case wire.MsgChannelFailure:
		return s.handleChannelFailure(payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMessage, wire.CommandName(cmd))
	}
}

// send enqueues payload for the single writer goroutine (writeLoop) rather
// than handing it to the transport directly, per §5.1's single-writer-per-
// transport rule: SSH record boundaries and MAC counters demand outbound
// packets leave in the order Session produced them, never interleaved
// across goroutines the way two independent WritePacket calls could be.
func (s *Session) send(payload []byte) {
	s.writeQueue <- payload
}

// writeLoop is the one goroutine per Session that ever calls
// transport.WritePacket, draining writeQueue in order and waiting for each
// write's future before starting the next so at most one send is ever in
// flight.
func (s *Session) writeLoop() {
	for payload := range s.writeQueue {
		if _, err := s.transport.WritePacket(payload).Wait(s.ctx); err != nil {
			s.warnf("write failed: %s", err)
		}
	}
}

func (s *Session) getChannel(id uint32) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return ch, nil
}

func (s *Session) unregisterChannel(id uint32) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

// ReplyGlobalRequestSuccess sends SSH_MSG_REQUEST_SUCCESS carrying payload,
// for a GlobalRequestHandler that needs to return data (such as the bound
// port for "tcpip-forward") and so must reply itself and return Replied
// rather than leaving the router to send an empty SUCCESS.
func (s *Session) ReplyGlobalRequestSuccess(payload []byte) {
	out := make([]byte, 1+len(payload))
	out[0] = wire.MsgRequestSuccess
	copy(out[1:], payload)
	s.send(out)
}

// --- global requests ---

// SendGlobalRequest issues SSH_MSG_GLOBAL_REQUEST. When wantReply is true it
// blocks (subject to ctx) for the matching SUCCESS/FAILURE, returned in
// request order per the FIFO queue in resolveNextGlobalRequest - mirroring
// how Channel.SendRequest pairs replies to its own requests.
func (s *Session) SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	msg := wire.GlobalRequestMsg{Request: name, WantReply: wantReply, RequestData: payload}
	if !wantReply {
		s.send(wire.Encode(wire.MsgGlobalRequest, msg))
		return false, nil, nil
	}
	fut := NewFuture[globalReplyResult]()
	s.mu.Lock()
	s.pendingGlobalRequests = append(s.pendingGlobalRequests, fut)
	s.mu.Unlock()
	s.send(wire.Encode(wire.MsgGlobalRequest, msg))
	res, err := fut.Wait(ctx)
	return res.ok, res.data, err
}

func (s *Session) handleGlobalRequest(payload []byte) error {
	var msg wire.GlobalRequestMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	result := s.router.Dispatch(s, msg.Request, msg.WantReply, msg.RequestData)
	if result == Replied || !msg.WantReply {
		return nil
	}
	if result == ReplySuccess {
		s.send([]byte{wire.MsgRequestSuccess})
	} else {
		s.send([]byte{wire.MsgRequestFailure})
	}
	return nil
}

func (s *Session) handleRequestSuccess(payload []byte) error {
	data := []byte{}
	if len(payload) > 1 {
		data = payload[1:]
	}
	s.resolveNextGlobalRequest(globalReplyResult{ok: true, data: data})
	return nil
}

func (s *Session) handleRequestFailure(payload []byte) error {
	s.resolveNextGlobalRequest(globalReplyResult{ok: false})
	return nil
}

func (s *Session) resolveNextGlobalRequest(result globalReplyResult) {
	s.mu.Lock()
	if len(s.pendingGlobalRequests) == 0 {
		s.mu.Unlock()
		s.warnf("received global request reply with no pending request")
		return
	}
	fut := s.pendingGlobalRequests[0]
	s.pendingGlobalRequests = s.pendingGlobalRequests[1:]
	s.mu.Unlock()
	fut.Resolve(result, nil)
}

// --- channel open ---

// OpenChannel sends SSH_MSG_CHANNEL_OPEN and blocks (subject to ctx) for
// the peer's OPEN_CONFIRMATION or OPEN_FAILURE, per the outbound half of
// the dual openFuture semantics in §4.2.
func (s *Session) OpenChannel(ctx context.Context, chanType string, typeData []byte) (*Channel, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrServiceClosing
	}
	if s.maxChannels > 0 && len(s.channels) >= s.maxChannels {
		s.mu.Unlock()
		return nil, ErrTooManyChannels
	}
	localID := s.nextChannelID
	s.nextChannelID++
	recvWindow := NewWindow(s.localWindowMaxSize, s.localPacketSize)
	ch := newChannel(s, chanType, localID, 0, true, nil, recvWindow)
	s.channels[localID] = ch
	s.mu.Unlock()

	s.send(wire.Encode(wire.MsgChannelOpen, wire.ChannelOpenMsg{
		ChanType:         chanType,
		SenderChannel:    localID,
		InitialWindow:    recvWindow.Remaining(),
		MaxPacketSize:    recvWindow.PacketSize(),
		TypeSpecificData: typeData,
	}))
	return ch.openFuture.Wait(ctx)
}

func (s *Session) handleChannelOpen(payload []byte) error {
	var msg wire.ChannelOpenMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.sendOpenFailure(msg.SenderChannel, wire.ReasonConnectFailed, ErrServiceClosing.Error())
		return nil
	}
	if !s.allowMoreSessions && msg.ChanType == "session" {
		s.mu.Unlock()
		s.sendOpenFailure(msg.SenderChannel, wire.ReasonConnectFailed, ErrMoreSessionsDisallowed.Error())
		return nil
	}
	factory, ok := s.factories[msg.ChanType]
	if !ok {
		s.mu.Unlock()
		s.sendOpenFailure(msg.SenderChannel, wire.ReasonUnknownChannelType, fmt.Sprintf("unsupported channel type %q", msg.ChanType))
		return nil
	}
	if s.maxChannels > 0 && len(s.channels) >= s.maxChannels {
		s.mu.Unlock()
		s.sendOpenFailure(msg.SenderChannel, wire.ReasonResourceShortage, ErrTooManyChannels.Error())
		return nil
	}
	localID := s.nextChannelID
	s.nextChannelID++
	recvWindow := NewWindow(s.localWindowMaxSize, s.localPacketSize)
	sendWindow := NewWindow(msg.InitialWindow, msg.MaxPacketSize)
	ch := newChannel(s, msg.ChanType, localID, msg.SenderChannel, false, sendWindow, recvWindow)
	s.channels[localID] = ch
	s.mu.Unlock()

	go s.openInboundChannel(ch, factory(), msg.TypeSpecificData)
	return nil
}

// openInboundChannel runs a ChannelType's Open off the dispatcher goroutine
// (§5), so a slow or blocking handler - spawning a pty, dialing out - never
// stalls delivery of other sessions' packets.
func (s *Session) openInboundChannel(ch *Channel, ct ChannelType, typeData []byte) {
	err := ct.Open(s.ctx, ch, typeData)
	if err != nil {
		s.mu.Lock()
		delete(s.channels, ch.localID)
		s.mu.Unlock()
		reason, message := openFailureReason(err)
		s.sendOpenFailure(ch.remoteID, reason, message)
		ch.openFuture.Resolve(nil, err)
		return
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()
	s.send(wire.Encode(wire.MsgChannelOpenConf, wire.ChannelOpenConfirmMsg{
		RecipientChannel: ch.remoteID,
		SenderChannel:    ch.localID,
		InitialWindow:    ch.recvWindow.Remaining(),
		MaxPacketSize:    ch.recvWindow.PacketSize(),
	}))
	ch.openFuture.Resolve(ch, nil)
}

func (s *Session) sendOpenFailure(remoteID, reason uint32, message string) {
	s.send(wire.Encode(wire.MsgChannelOpenFail, wire.ChannelOpenFailureMsg{
		RecipientChannel: remoteID,
		ReasonCode:       reason,
		Message:          message,
	}))
}

func openFailureReason(err error) (uint32, string) {
	if of, ok := err.(*OpenFailure); ok {
		return of.ReasonCode, of.Message
	}
	return 0, err.Error()
}

func (s *Session) handleChannelOpenConfirm(payload []byte) error {
	var msg wire.ChannelOpenConfirmMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.remoteID = msg.SenderChannel
	ch.sendWindow = NewWindow(msg.InitialWindow, msg.MaxPacketSize)
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()
	ch.openFuture.Resolve(ch, nil)
	return nil
}

func (s *Session) handleChannelOpenFailure(payload []byte) error {
	var msg wire.ChannelOpenFailureMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	s.unregisterChannel(ch.localID)
	ch.openFuture.Resolve(nil, &OpenFailure{ReasonCode: msg.ReasonCode, Message: msg.Message})
	return nil
}

// --- channel-scoped messages ---

func (s *Session) handleChannelWindowAdjust(payload []byte) error {
	var msg wire.ChannelWindowAdjustMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	return ch.handleWindowAdjust(msg.BytesToAdd)
}

func (s *Session) handleChannelData(payload []byte) error {
	var msg wire.ChannelDataMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	return ch.handleData(msg.Data)
}

func (s *Session) handleChannelExtendedData(payload []byte) error {
	var msg wire.ChannelExtendedDataMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	return ch.handleExtendedData(msg.DataTypeCode, msg.Data)
}

func (s *Session) handleChannelEOF(payload []byte) error {
	var msg wire.ChannelEOFMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.handleEOF()
	return nil
}

func (s *Session) handleChannelClose(payload []byte) error {
	var msg wire.ChannelCloseMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.handlePeerClose()
	return nil
}

func (s *Session) handleChannelRequest(payload []byte) error {
	var msg wire.ChannelRequestMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.handleRequest(msg.Request, msg.WantReply, msg.RequestData)
	return nil
}

func (s *Session) handleChannelSuccess(payload []byte) error {
	var msg wire.ChannelSuccessMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.resolveNextRequest(true)
	return nil
}

func (s *Session) handleChannelFailure(payload []byte) error {
	var msg wire.ChannelFailureMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return err
	}
	ch, err := s.getChannel(msg.RecipientChannel)
	if err != nil {
		return err
	}
	ch.resolveNextRequest(false)
	return nil
}

func (s *Session) warnf(f string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(f, args...))
	}
}

func (s *Session) debugf(f string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (s *Session) errorf(f string, args ...any) {
	if s.logger != nil {
		s.logger.Error(fmt.Sprintf(f, args...))
	}
}
