// Package config builds a Properties value from command line flags,
// environment variables and an optional YAML file, the way sshd-lite's
// own Config is populated from flags but layered with a file and env
// source as well.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jpillora/opts"
	"gopkg.in/yaml.v3"
)

// Properties configures one side of a connection service demo process:
// which channel types it offers and the limits it enforces on them.
type Properties struct {
	ConfigFile string `opts:"name=config,help=path to a YAML file with these same settings"`

	Listen               string `opts:"help=address to listen on"`
	Shell                string `opts:"env=SHELL,help=shell used for session channels,default=$SHELL"`
	WorkDir              string `opts:"name=workdir,help=working directory for session channels"`
	IgnoreEnv            bool   `opts:"name=noenv,help=ignore environment variables sent by the client"`
	DisableSFTP          bool   `opts:"name=no-sftp,help=disable the sftp subsystem"`
	TCPForwarding        bool   `opts:"name=tcp-forwarding,short=t,help=enable reverse and direct tcpip forwarding"`
	MaxChannels          int    `opts:"name=max-channels,help=maximum concurrently open channels (0 for unlimited)"`
	WindowSize           uint32 `opts:"name=window,help=per-channel flow control window size in bytes"`
	PacketSize           uint32 `opts:"name=packet-size,help=maximum channel packet size in bytes"`
	ChannelOpenTimeoutMs uint32 `opts:"name=channel-open-timeout-ms,help=milliseconds to wait for a channel-open confirmation before giving up"`
	Verbose              bool   `opts:"short=v,help=verbose logs"`
}

// ChannelOpenTimeout returns ChannelOpenTimeoutMs as a time.Duration, for
// deriving the default context passed to Session.OpenChannel.
func (p Properties) ChannelOpenTimeout() time.Duration {
	return time.Duration(p.ChannelOpenTimeoutMs) * time.Millisecond
}

// Default returns the baseline Properties before flags, env or a file are
// applied: an unbounded channel count, the window sizes connsvc itself
// defaults to, and a 30 second channel-open timeout. Shell is left empty.
func Default() Properties {
	return Properties{
		Listen:               ":2200",
		WorkDir:              "",
		MaxChannels:          0,
		WindowSize:           1 << 21,
		PacketSize:           1 << 15,
		ChannelOpenTimeoutMs: 30000,
	}
}

// Load builds Properties from, in increasing precedence: Default, an
// optional YAML file named by --config, then command line flags and
// environment variables via opts.Parse, mirroring how sshd-lite lets
// flags win over everything else.
func Load(args []string) (Properties, error) {
	p := Default()

	// A file-only pre-pass finds --config and applies it before opts
	// parses the rest of the flags, so flags still win over the file.
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			if err := mergeFile(&p, args[i+1]); err != nil {
				return p, err
			}
			break
		}
	}

	opts.Parse(&p)
	return p, nil
}

func mergeFile(p *Properties, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, p); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
