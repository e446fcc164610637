package connsvc

// Transport is the binary-packet-layer collaborator the Connection Service
// is built on top of. Framing, the key exchange and the cipher/MAC are out
// of scope for this package (§1, Non-goals); a Transport is whatever
// already speaks decrypted SSH packets, in-process pipe or real socket.
//
// WritePacket sends one already-encoded packet (typically the output of
// wire.Encode) and resolves its returned future once the write has been
// handed off - not once the peer has acted on it. There is no ordering
// guarantee across concurrent WritePacket calls from different goroutines
// beyond what the implementation documents; the Session serializes its own
// writes onto a single goroutine (§5) so this is not a concern for callers
// going through Session.
type Transport interface {
	WritePacket(payload []byte) *Future[struct{}]
	// SessionID returns the exchange hash from the transport's key exchange,
	// used as the default "session" string some channel requests sign over.
	SessionID() []byte
}
