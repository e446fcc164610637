package connsvc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/conntest"
	"github.com/jpillora/connsvc/connsvc/wire"
)

func echoChannelType() connsvc.ChannelTypeFunc {
	return func(ctx context.Context, ch *connsvc.Channel, typeData []byte) error {
		ch.OnData(func(ch *connsvc.Channel, extended bool, dataType uint32, data []byte) {
			echoed := append([]byte(nil), data...)
			go ch.Write(context.Background(), echoed)
		})
		ch.OnEOF(func(ch *connsvc.Channel) {
			ch.SendEOF()
			ch.Close()
		})
		return nil
	}
}

func TestOpenChannelConfirmationAndEcho(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("session-1"))
	b.Register("echo", func() connsvc.ChannelType { return echoChannelType() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.State() != connsvc.StateOpen {
		t.Fatalf("State() = %v, want Open", ch.State())
	}

	received := make(chan []byte, 1)
	ch.OnData(func(ch *connsvc.Channel, extended bool, dataType uint32, data []byte) {
		received <- append([]byte(nil), data...)
	})
	if _, err := ch.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("echoed data = %q, want %q", data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestOpenChannelUnknownType(t *testing.T) {
	a, _, _, _ := conntest.NewLinkedSessions([]byte("session-2"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.OpenChannel(ctx, "nonexistent", nil)
	if err == nil {
		t.Fatal("expected an error opening an unregistered channel type")
	}
	of, ok := err.(*connsvc.OpenFailure)
	if !ok {
		t.Fatalf("err = %T, want *connsvc.OpenFailure", err)
	}
	if of.ReasonCode != 3 { // wire.ReasonUnknownChannelType
		t.Fatalf("ReasonCode = %d, want 3", of.ReasonCode)
	}
}

func TestOpenChannelMaxChannelsExceeded(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("session-3"), connsvc.WithMaxChannels(1))
	b.Register("noop", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			return nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.OpenChannel(ctx, "noop", nil); err != nil {
		t.Fatalf("first OpenChannel: %v", err)
	}
	_, err := a.OpenChannel(ctx, "noop", nil)
	if err == nil {
		t.Fatal("expected second open to be rejected for resource shortage")
	}
}

func TestChannelCloseSymmetry(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("session-4"))
	opened := make(chan *connsvc.Channel, 1)
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			opened <- ch
			return nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chA, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	var chB *connsvc.Channel
	select {
	case chB = <-opened:
	case <-time.After(time.Second):
		t.Fatal("server side channel never opened")
	}

	chA.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := chB.Close().Wait(waitCtx); err != nil {
		t.Fatalf("peer channel never finalized: %v", err)
	}
	if chB.State() != connsvc.StateClosed {
		t.Fatalf("chB.State() = %v, want Closed", chB.State())
	}
}

func TestGlobalRequestRoundTrip(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("session-5"))
	b.Use(func(s *connsvc.Session, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
		if name != "keepalive@example.com" {
			return connsvc.Unsupported, nil
		}
		return connsvc.ReplySuccess, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, _, err := a.SendGlobalRequest(ctx, "keepalive@example.com", true, nil)
	if err != nil {
		t.Fatalf("SendGlobalRequest: %v", err)
	}
	if !ok {
		t.Fatal("SendGlobalRequest returned ok=false, want true")
	}
}

func TestNonStderrExtendedDataIsRejected(t *testing.T) {
	a, b, _, _ := conntest.NewLinkedSessions([]byte("session-7"))
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error { return nil })
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	// Craft a CHANNEL_EXTENDED_DATA with a non-standard data_type_code and
	// feed it to A's own Process, as if the peer had sent it.
	payload := wire.Encode(wire.MsgChannelExtData, wire.ChannelExtendedDataMsg{
		RecipientChannel: ch.ID(),
		DataTypeCode:     42,
		Data:             []byte("noise"),
	})
	if err := a.Process(wire.MsgChannelExtData, payload); err == nil {
		t.Fatal("expected Process to reject a non-stderr extended data type")
	}
}

// TestUnknownChannelDataTearsSessionDown exercises the end-to-end rule that
// a channel-scoped message naming an unregistered channel id is a protocol
// violation fatal to the whole session: the caller reading Process's error
// is expected to tear the session down, and every other channel still open
// on that session observes the teardown as ErrClosedChannel on its pending
// futures. conntest.Wire already implements that "tear down on error"
// reaction (see harness.go), so driving the scenario through the wire -
// rather than calling Process directly - exercises the reference
// implementation of the propagation rule, not just the one malformed
// dispatch in isolation.
func TestUnknownChannelDataTearsSessionDown(t *testing.T) {
	ta, tb := conntest.NewPair([]byte("session-8"))
	a := connsvc.NewSession(ta)
	b := connsvc.NewSession(tb)
	conntest.Wire(a, ta)
	pipeB := conntest.Wire(b, tb)

	opened := make(chan *connsvc.Channel, 1)
	b.Register("session", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			opened <- ch
			return nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chA, err := a.OpenChannel(ctx, "session", nil)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	// A swallows every channel request on chA without replying, so chB's
	// upcoming SendRequest stays pending until b tears itself down.
	chA.Handle(func(ch *connsvc.Channel, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
		return connsvc.Replied, nil
	})

	var chB *connsvc.Channel
	select {
	case chB = <-opened:
	case <-time.After(time.Second):
		t.Fatal("server side channel never opened")
	}

	reqDone := make(chan error, 1)
	go func() {
		_, err := chB.SendRequest(context.Background(), "noop", true, nil)
		reqDone <- err
	}()

	// Write a CHANNEL_DATA naming a channel id b never registered directly
	// onto the wire, as a malformed peer would.
	payload := wire.Encode(wire.MsgChannelData, wire.ChannelDataMsg{
		RecipientChannel: 999,
		Data:             []byte("noise"),
	})
	ta.WritePacket(payload)

	select {
	case gotErr := <-pipeB.Errs:
		if !errors.Is(gotErr, connsvc.ErrUnknownChannel) {
			t.Fatalf("got err %v, want ErrUnknownChannel", gotErr)
		}
	case <-time.After(time.Second):
		t.Fatal("no error surfaced for the unknown channel id")
	}

	select {
	case err := <-reqDone:
		if !errors.Is(err, connsvc.ErrClosedChannel) {
			t.Fatalf("pending request on the surviving channel resolved with %v, want ErrClosedChannel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request on the surviving channel never resolved after teardown")
	}
}

func TestGlobalRequestUnsupported(t *testing.T) {
	a, _, _, _ := conntest.NewLinkedSessions([]byte("session-6"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, _, err := a.SendGlobalRequest(ctx, "unregistered@example.com", true, nil)
	if err != nil {
		t.Fatalf("SendGlobalRequest: %v", err)
	}
	if ok {
		t.Fatal("SendGlobalRequest returned ok=true for an unhandled request")
	}
}
