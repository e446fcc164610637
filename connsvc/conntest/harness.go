package conntest

import (
	"github.com/jpillora/connsvc/connsvc"
)

// Pipe pumps every packet a PairedTransport receives into a Session's
// Process, and surfaces protocol violations on Errs for the test to drain.
type Pipe struct {
	Session *connsvc.Session
	Errs    chan error
}

// Wire connects transport's inbound packets to session.Process, dispatching
// on the leading message-number byte the way a real read loop would.
// transport's own read loop delivers one packet at a time, so Process is
// never entered concurrently with itself for this session, per §5.2. A
// Process error is a protocol violation (unknown channel id, malformed
// payload, unsupported message number): Wire treats that as fatal to the
// connection the same way a real read loop would, tearing the session down
// with CloseImmediately before surfacing the error on Errs for the test to
// inspect.
func Wire(session *connsvc.Session, transport *PairedTransport) *Pipe {
	p := &Pipe{Session: session, Errs: make(chan error, 64)}
	transport.OnPacket(func(payload []byte) {
		if len(payload) == 0 {
			return
		}
		if err := session.Process(payload[0], payload); err != nil {
			session.CloseImmediately()
			select {
			case p.Errs <- err:
			default:
			}
		}
	})
	return p
}

// NewLinkedSessions builds two Sessions joined by an in-memory transport
// pair and already pumping packets between them, for tests that want a
// live Connection Service on both ends without a real socket.
func NewLinkedSessions(sessionID []byte, opts ...connsvc.Option) (a, b *connsvc.Session, pipeA, pipeB *Pipe) {
	ta, tb := NewPair(sessionID)
	sa := connsvc.NewSession(ta, opts...)
	sb := connsvc.NewSession(tb, opts...)
	pipeA = Wire(sa, ta)
	pipeB = Wire(sb, tb)
	return sa, sb, pipeA, pipeB
}
