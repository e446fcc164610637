// Package conntest provides an in-memory connsvc.Transport, standing in
// for the binary packet layer so Connection Service behavior can be tested
// without a real socket, cipher or key exchange.
package conntest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc/test/bufconn"

	"github.com/jpillora/connsvc/connsvc"
)

// bufconnBufferSize is 32KB, the same size as an SSH max packet size.
const bufconnBufferSize = 32 * 1024

// PairedTransport is one end of two in-memory connsvc.Transports backed by
// a single bufconn pipe, an in-memory, order-preserving net.Conn fake.
// Unlike a bare channel-and-goroutine fake, writes to one side arrive at
// the other in the exact order they were made, the way a real socket
// guarantees.
type PairedTransport struct {
	sessionID []byte
	conn      io.ReadWriteCloser

	mu       sync.Mutex
	onPacket func(payload []byte)
}

// NewPair creates two linked transports sharing sessionID, as if they were
// the two ends of one already-negotiated SSH connection, and starts each
// side's read loop so inbound frames are delivered to OnPacket one at a
// time, in arrival order.
func NewPair(sessionID []byte) (a, b *PairedTransport) {
	listener := bufconn.Listen(bufconnBufferSize)
	accepted := make(chan io.ReadWriteCloser, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()
	clientConn, err := listener.DialContext(context.Background())
	if err != nil {
		// bufconn's in-process listener only fails to dial if Close was
		// already called, which cannot happen before it is even returned.
		panic(fmt.Sprintf("conntest: bufconn dial: %s", err))
	}
	serverConn, ok := <-accepted
	if !ok {
		panic("conntest: bufconn accept failed")
	}

	a = &PairedTransport{sessionID: sessionID, conn: clientConn}
	b = &PairedTransport{sessionID: sessionID, conn: serverConn}
	go a.readLoop()
	go b.readLoop()
	return a, b
}

// OnPacket sets the callback invoked for every packet this transport
// receives. Must be set before any writes the test cares about observing.
func (t *PairedTransport) OnPacket(h func(payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPacket = h
}

// WritePacket frames payload with a length prefix and writes it to the
// underlying bufconn connection, blocking until the write completes, then
// resolves. Callers that need concurrent outbound sends to stay in wire
// order - every real caller, via Session's single writer goroutine - must
// not call WritePacket again before the previous call's future resolves.
func (t *PairedTransport) WritePacket(payload []byte) *connsvc.Future[struct{}] {
	fut := connsvc.NewFuture[struct{}]()
	fut.Resolve(struct{}{}, t.writeFrame(payload))
	return fut
}

// SessionID returns the shared session identifier.
func (t *PairedTransport) SessionID() []byte { return t.sessionID }

func (t *PairedTransport) writeFrame(payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := t.conn.Write(frame)
	return err
}

// readLoop is the single goroutine reading frames off this transport's
// connection and delivering them to onPacket, one at a time, in the order
// they arrived - so a caller driving Session.Process through OnPacket
// never sees two calls in flight at once, per §5.2.
func (t *PairedTransport) readLoop() {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return
		}
		t.mu.Lock()
		h := t.onPacket
		t.mu.Unlock()
		if h != nil {
			h(payload)
		}
	}
}
