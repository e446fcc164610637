package connsvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/conntest"
)

func TestChannelEOFSentIsIdempotent(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("chan-1"))
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error { return nil })
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.EOFSent() {
		t.Fatal("EOFSent() should start false")
	}
	ch.SendEOF()
	ch.SendEOF()
	if !ch.EOFSent() {
		t.Fatal("EOFSent() should be true after SendEOF")
	}
}

func TestChannelPeerEOFInvokesHandler(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("chan-2"))
	eofSeen := make(chan struct{}, 1)
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			ch.OnEOF(func(ch *connsvc.Channel) { eofSeen <- struct{}{} })
			return nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	ch.SendEOF()
	select {
	case <-eofSeen:
	case <-time.After(time.Second):
		t.Fatal("peer never observed EOF")
	}
	if !ch.EOFSent() {
		t.Fatal("EOFSent() should be true")
	}
}

func TestChannelRequestSuccessReply(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("chan-3"))
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			ch.Handle(func(ch *connsvc.Channel, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
				if name != "exec" {
					return connsvc.Unsupported, nil
				}
				return connsvc.ReplySuccess, nil
			})
			return nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	ok, err := ch.SendRequest(ctx, "exec", true, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !ok {
		t.Fatal("SendRequest returned ok=false, want true")
	}
}

func TestChannelRequestUnsupportedReply(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("chan-4"))
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error { return nil })
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	ok, err := ch.SendRequest(ctx, "whatever", true, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if ok {
		t.Fatal("SendRequest returned ok=true for an unhandled request")
	}
}
