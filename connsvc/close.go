package connsvc

import (
	"context"
	"sync"
)

// Closeable is an external collaborator the session shuts down alongside
// itself - a Forwarder's listener, an agent socket, anything with its own
// lifecycle independent of any one channel (§4.8).
type Closeable interface {
	Close() error
}

// CloseGraceful begins a graceful shutdown: no further channels are
// accepted (OpenChannel and inbound CHANNEL_OPEN both start failing with
// ErrServiceClosing) but channels already open are left to drain and close
// on their own. Once the last one closes, registered sub-services are
// closed sequentially, then the returned future resolves. Calling it more
// than once, or after CloseImmediately, returns the same future.
func (s *Session) CloseGraceful() *Future[struct{}] {
	pending, subs, fut, already := s.beginClosing()
	if already {
		return fut
	}
	go func() {
		for _, ch := range pending {
			ch.closeFuture.Wait(context.Background())
		}
		s.closeSubServices(subs, false)
		fut.Resolve(struct{}{}, nil)
	}()
	return fut
}

// CloseImmediately force-closes every currently open channel in parallel -
// discarding any writer still parked in Window.Reserve - then closes
// registered sub-services in parallel as well. Idempotent like
// CloseGraceful.
func (s *Session) CloseImmediately() *Future[struct{}] {
	pending, subs, fut, already := s.beginClosing()
	if already {
		return fut
	}
	go func() {
		for _, ch := range pending {
			go ch.Close()
		}
		for _, ch := range pending {
			ch.closeFuture.Wait(context.Background())
		}
		s.closeSubServices(subs, true)
		fut.Resolve(struct{}{}, nil)
	}()
	return fut
}

func (s *Session) beginClosing() (pending []*Channel, subs []Closeable, fut *Future[struct{}], already bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fut = s.closeFuture
	if s.closing {
		return nil, nil, fut, true
	}
	s.closing = true
	s.cancel()
	pending = make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		pending = append(pending, ch)
	}
	subs = append([]Closeable(nil), s.subServices...)
	return pending, subs, fut, false
}

func (s *Session) closeSubServices(subs []Closeable, parallel bool) {
	closeOne := func(c Closeable) {
		if err := c.Close(); err != nil {
			s.warnf("sub-service close failed: %s", err)
		}
	}
	if !parallel {
		for _, c := range subs {
			closeOne(c)
		}
		return
	}
	var wg sync.WaitGroup
	for _, c := range subs {
		wg.Add(1)
		go func(c Closeable) {
			defer wg.Done()
			closeOne(c)
		}(c)
	}
	wg.Wait()
}
