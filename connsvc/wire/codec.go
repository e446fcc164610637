package wire

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Encode marshals v and prefixes it with the message number, producing a
// ready-to-send packet payload.
func Encode(msgType byte, v any) []byte {
	body := ssh.Marshal(v)
	out := make([]byte, 1+len(body))
	out[0] = msgType
	copy(out[1:], body)
	return out
}

// Decode strips the leading message number from payload and unmarshals the
// remainder into v. payload must start with the message number byte that
// the caller already dispatched on.
func Decode(payload []byte, v any) error {
	if len(payload) < 1 {
		return fmt.Errorf("wire: empty payload")
	}
	return ssh.Unmarshal(payload[1:], v)
}

// CommandName returns a human-readable name for a message number, used in
// protocol-violation error messages.
func CommandName(cmd byte) string {
	switch cmd {
	case MsgGlobalRequest:
		return "SSH_MSG_GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "SSH_MSG_REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "SSH_MSG_REQUEST_FAILURE"
	case MsgChannelOpen:
		return "SSH_MSG_CHANNEL_OPEN"
	case MsgChannelOpenConf:
		return "SSH_MSG_CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFail:
		return "SSH_MSG_CHANNEL_OPEN_FAILURE"
	case MsgChannelWinAdjust:
		return "SSH_MSG_CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "SSH_MSG_CHANNEL_DATA"
	case MsgChannelExtData:
		return "SSH_MSG_CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "SSH_MSG_CHANNEL_EOF"
	case MsgChannelClose:
		return "SSH_MSG_CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "SSH_MSG_CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "SSH_MSG_CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "SSH_MSG_CHANNEL_FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", cmd)
	}
}
