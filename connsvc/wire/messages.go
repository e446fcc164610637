// Package wire defines the RFC 4254 connection-protocol messages and the
// codec used to move them to and from bytes. The Connection Service and
// every channel type or forwarder built on top of it read and write these
// structs instead of hand-rolling big-endian integer/string encoding.
package wire

// Message numbers, RFC 4254.
const (
	MsgGlobalRequest    byte = 80
	MsgRequestSuccess   byte = 81
	MsgRequestFailure   byte = 82
	MsgChannelOpen      byte = 90
	MsgChannelOpenConf  byte = 91
	MsgChannelOpenFail  byte = 92
	MsgChannelWinAdjust byte = 93
	MsgChannelData      byte = 94
	MsgChannelExtData   byte = 95
	MsgChannelEOF       byte = 96
	MsgChannelClose     byte = 97
	MsgChannelRequest   byte = 98
	MsgChannelSuccess   byte = 99
	MsgChannelFailure   byte = 100
)

// Open failure reason codes, RFC 4254 section 5.1.
const (
	ReasonAdministrativelyProhibited uint32 = 1
	ReasonConnectFailed               uint32 = 2
	ReasonUnknownChannelType          uint32 = 3
	ReasonResourceShortage            uint32 = 4
)

// ExtendedDataStderr is the only standardized extended data type.
const ExtendedDataStderr uint32 = 1

// ChannelOpenMsg is SSH_MSG_CHANNEL_OPEN.
type ChannelOpenMsg struct {
	ChanType         string
	SenderChannel    uint32
	InitialWindow    uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenConfirmMsg is SSH_MSG_CHANNEL_OPEN_CONFIRMATION.
type ChannelOpenConfirmMsg struct {
	RecipientChannel uint32
	SenderChannel    uint32
	InitialWindow    uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

// ChannelOpenFailureMsg is SSH_MSG_CHANNEL_OPEN_FAILURE.
type ChannelOpenFailureMsg struct {
	RecipientChannel uint32
	ReasonCode       uint32
	Message          string
	Language         string
}

// ChannelWindowAdjustMsg is SSH_MSG_CHANNEL_WINDOW_ADJUST.
type ChannelWindowAdjustMsg struct {
	RecipientChannel uint32
	BytesToAdd       uint32
}

// ChannelDataMsg is SSH_MSG_CHANNEL_DATA.
type ChannelDataMsg struct {
	RecipientChannel uint32
	Data             []byte
}

// ChannelExtendedDataMsg is SSH_MSG_CHANNEL_EXTENDED_DATA.
type ChannelExtendedDataMsg struct {
	RecipientChannel uint32
	DataTypeCode     uint32
	Data             []byte
}

// ChannelEOFMsg is SSH_MSG_CHANNEL_EOF.
type ChannelEOFMsg struct {
	RecipientChannel uint32
}

// ChannelCloseMsg is SSH_MSG_CHANNEL_CLOSE.
type ChannelCloseMsg struct {
	RecipientChannel uint32
}

// ChannelRequestMsg is SSH_MSG_CHANNEL_REQUEST.
type ChannelRequestMsg struct {
	RecipientChannel uint32
	Request          string
	WantReply        bool
	RequestData      []byte `ssh:"rest"`
}

// ChannelSuccessMsg is SSH_MSG_CHANNEL_SUCCESS.
type ChannelSuccessMsg struct {
	RecipientChannel uint32
}

// ChannelFailureMsg is SSH_MSG_CHANNEL_FAILURE.
type ChannelFailureMsg struct {
	RecipientChannel uint32
}

// GlobalRequestMsg is SSH_MSG_GLOBAL_REQUEST.
type GlobalRequestMsg struct {
	Request     string
	WantReply   bool
	RequestData []byte `ssh:"rest"`
}

// TCPIPForwardMsg is the "tcpip-forward"/"cancel-tcpip-forward" request payload.
type TCPIPForwardMsg struct {
	Host string
	Port uint32
}

// TCPIPForwardReplyMsg is the successful reply to "tcpip-forward" carrying
// the bound port (only meaningful when the caller requested port 0).
type TCPIPForwardReplyMsg struct {
	Port uint32
}

// ForwardedTCPIPMsg is the "forwarded-tcpip"/"direct-tcpip" channel open payload.
type ForwardedTCPIPMsg struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// X11ForwardedMsg is the "x11" channel open payload.
type X11ForwardedMsg struct {
	OriginHost string
	OriginPort uint32
}

// PtyRequestMsg is the "pty-req" channel request payload.
type PtyRequestMsg struct {
	Term          string
	Columns       uint32
	Rows          uint32
	Width         uint32
	Height        uint32
	ModeEncoding  []byte `ssh:"rest"`
}

// WindowChangeMsg is the "window-change" channel request payload.
type WindowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// EnvRequestMsg is the "env" channel request payload.
type EnvRequestMsg struct {
	Name  string
	Value string
}

// ExecRequestMsg is the "exec" channel request payload.
type ExecRequestMsg struct {
	Command string
}

// SubsystemRequestMsg is the "subsystem" channel request payload.
type SubsystemRequestMsg struct {
	Name string
}

// ExitStatusMsg is the "exit-status" channel request payload.
type ExitStatusMsg struct {
	Status uint32
}

// X11ReqMsg is the "x11-req" channel request payload (RFC 4254 §6.3.1).
type X11ReqMsg struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}
