package connsvc

import (
	"errors"
	"testing"
)

func TestDispatchChainTriesNextOnUnsupported(t *testing.T) {
	var calls []string
	handlers := []GlobalRequestHandler{
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			calls = append(calls, "first")
			return Unsupported, nil
		},
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			calls = append(calls, "second")
			return ReplySuccess, nil
		},
	}
	result := dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(nil, "x", true, nil)
	}, func(string, ...any) {}, "x")
	if result != ReplySuccess {
		t.Fatalf("result = %v, want ReplySuccess", result)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want both handlers tried", calls)
	}
}

func TestDispatchChainNoHandlerAccepts(t *testing.T) {
	handlers := []GlobalRequestHandler{
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			return Unsupported, nil
		},
	}
	var warned string
	result := dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(nil, "x", true, nil)
	}, func(f string, args ...any) { warned = f }, "x")
	if result != ReplyFailure {
		t.Fatalf("result = %v, want ReplyFailure", result)
	}
	if warned == "" {
		t.Fatal("expected a warning to be logged when no handler accepts")
	}
}

func TestDispatchChainHandlerErrorDegradesToFailure(t *testing.T) {
	handlers := []GlobalRequestHandler{
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			return Unsupported, errors.New("boom")
		},
	}
	result := dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(nil, "x", true, nil)
	}, func(string, ...any) {}, "x")
	if result != ReplyFailure {
		t.Fatalf("result = %v, want ReplyFailure", result)
	}
}

func TestDispatchChainHandlerPanicDegradesToFailure(t *testing.T) {
	handlers := []GlobalRequestHandler{
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			panic("boom")
		},
	}
	result := dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(nil, "x", true, nil)
	}, func(string, ...any) {}, "x")
	if result != ReplyFailure {
		t.Fatalf("result = %v, want ReplyFailure", result)
	}
}

func TestDispatchChainFirstNonUnsupportedWins(t *testing.T) {
	handlers := []GlobalRequestHandler{
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			return Replied, nil
		},
		func(s *Session, name string, wantReply bool, payload []byte) (RequestResult, error) {
			t.Fatal("second handler should never run")
			return Unsupported, nil
		},
	}
	result := dispatchChain(handlers, func(h GlobalRequestHandler) (RequestResult, error) {
		return h(nil, "x", true, nil)
	}, func(string, ...any) {}, "x")
	if result != Replied {
		t.Fatalf("result = %v, want Replied", result)
	}
}
