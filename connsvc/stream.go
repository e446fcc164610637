package connsvc

import (
	"context"
	"io"
)

// Stream adapts a Channel to io.ReadWriteCloser, for channel types that
// want to io.Copy against a pty, an exec'd process or the sftp server the
// way golang.org/x/crypto/ssh's own Channel already does. Reads block
// until inbound DATA arrives or the peer sends CHANNEL_EOF (then return
// io.EOF); writes use a background context, so they cannot be canceled
// independently of the channel itself closing.
func (ch *Channel) Stream() io.ReadWriteCloser {
	return newChannelStream(ch)
}

type channelStream struct {
	ch    *Channel
	pr    *io.PipeReader
	pw    *io.PipeWriter
	queue chan []byte
}

func newChannelStream(ch *Channel) *channelStream {
	pr, pw := io.Pipe()
	s := &channelStream{ch: ch, pr: pr, pw: pw, queue: make(chan []byte, 256)}
	go s.pump()
	ch.OnData(func(c *Channel, extended bool, dataType uint32, data []byte) {
		if extended {
			return
		}
		s.queue <- append([]byte(nil), data...)
	})
	ch.OnEOF(func(c *Channel) { close(s.queue) })
	return s
}

// pump serializes inbound chunks onto the pipe writer so concurrent
// OnData deliveries (never actually concurrent per channel, but kept
// decoupled from the dispatcher goroutine regardless) can't interleave.
func (s *channelStream) pump() {
	for b := range s.queue {
		if _, err := s.pw.Write(b); err != nil {
			return
		}
	}
	s.pw.Close()
}

func (s *channelStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *channelStream) Write(p []byte) (int, error) {
	return s.ch.Write(context.Background(), p)
}

func (s *channelStream) Close() error {
	s.ch.SendEOF()
	s.ch.Close()
	return nil
}
