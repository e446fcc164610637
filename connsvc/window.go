package connsvc

import (
	"context"
	"sync"
)

// Window owns the byte-credit accounting for one direction of one channel,
// per RFC 4254 section 5.2. size counts the bytes the other side is still
// permitted to send (for a local/receive window) or that we are still
// permitted to send (for a remote/send window); maxSize is the ceiling
// size is expanded back up to; packetSize is the largest single DATA
// fragment permitted under this window.
type Window struct {
	mu         sync.Mutex
	size       uint32
	maxSize    uint32
	packetSize uint32
	notify     chan struct{} // closed and replaced every time size grows
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewWindow creates a window starting at its maximum size, as a freshly
// negotiated channel's window does.
func NewWindow(maxSize, packetSize uint32) *Window {
	return &Window{
		size:       maxSize,
		maxSize:    maxSize,
		packetSize: packetSize,
		notify:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Consume removes n bytes of credit, failing with ErrWindowExhausted if n
// exceeds what remains. Used both when we send data (against the remote
// window) and when we receive data (against the local window).
func (w *Window) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.size {
		return ErrWindowExhausted
	}
	w.size -= n
	return nil
}

// Expand adds n bytes of credit, as SSH_MSG_CHANNEL_WINDOW_ADJUST does. It
// fails with ErrWindowOverflow if the result would exceed maxSize or wrap a
// 32-bit counter; expand never blocks regardless of outcome, and wakes any
// writer parked in Reserve.
func (w *Window) Expand(n uint32) error {
	w.mu.Lock()
	if n > maxUint32-w.size || w.size+n > w.maxSize {
		w.mu.Unlock()
		return ErrWindowOverflow
	}
	w.size += n
	old := w.notify
	w.notify = make(chan struct{})
	w.mu.Unlock()
	close(old)
	return nil
}

// Check enforces that a single fragment of length n both fits within
// packetSize and does not exceed the bytes currently available in the
// window. Violating either is a protocol violation that must terminate the
// channel, per the invariant in the data model.
func (w *Window) Check(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.packetSize {
		return ErrPacketTooLarge
	}
	if n > w.size {
		return ErrWindowExhausted
	}
	return nil
}

// Remaining returns the current credit.
func (w *Window) Remaining() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// MaxSize returns the configured ceiling.
func (w *Window) MaxSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxSize
}

// PacketSize returns the configured single-fragment limit.
func (w *Window) PacketSize() uint32 {
	return w.packetSize
}

// AdjustIfLow reports, and atomically applies, the window-adjust side
// effect: once size falls below maxSize/2, the local side is to send
// CHANNEL_WINDOW_ADJUST(maxSize-size) and reset size to maxSize. It returns
// the amount to advertise on the wire and true if an adjustment is due; the
// caller is responsible for actually sending the SSH_MSG_CHANNEL_WINDOW_ADJUST
// packet.
func (w *Window) AdjustIfLow() (delta uint32, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size >= w.maxSize/2 {
		return 0, false
	}
	delta = w.maxSize - w.size
	w.size = w.maxSize
	return delta, true
}

// Reserve blocks (subject to ctx) until at least one byte of credit is
// available, then consumes and returns min(want, packetSize, available).
// This is suspension point (b) from the concurrency model: outbound data
// sends wait here for a WINDOW_ADJUST when the remote window is exhausted.
// Grounded on golang.org/x/crypto/ssh's internal window.reserve, generalized
// to accept a context instead of blocking unconditionally.
func (w *Window) Reserve(ctx context.Context, want uint32) (uint32, error) {
	for {
		w.mu.Lock()
		if w.size > 0 {
			n := want
			if n > w.size {
				n = w.size
			}
			if n > w.packetSize {
				n = w.packetSize
			}
			w.size -= n
			w.mu.Unlock()
			return n, nil
		}
		wake := w.notify
		w.mu.Unlock()
		select {
		case <-wake:
		case <-w.closed:
			return 0, ErrClosedChannel
		case <-ctx.Done():
			return 0, ErrTimeout
		}
	}
}

// Close wakes any goroutine blocked in Reserve with ErrClosedChannel. Safe
// to call more than once.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
}

const maxUint32 = 1<<32 - 1
