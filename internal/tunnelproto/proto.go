// Package tunnelproto defines the wire protocol spoken between a node agent
// and the hub: a length-prefixed JSON handshake on the raw connection,
// followed by yamux streams that each start with a one-line channel header.
package tunnelproto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

// Version is the handshake protocol version the hub speaks.
const Version = 1

// MaxFrameSize bounds a handshake or heartbeat frame.
const MaxFrameSize = 64 * 1024

// maxHeaderLen bounds a channel header line.
const maxHeaderLen = 64

// ChannelHeartbeat is the agent-opened stream carrying [Heartbeat] frames.
const ChannelHeartbeat = "heartbeat"

// Heartbeat frame kinds.
const (
	KindPing = "ping"
	KindPong = "pong"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds [MaxFrameSize].
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrHeaderTooLong is returned when a channel header exceeds its bound.
	ErrHeaderTooLong = errors.New("channel header too long")
)

// AppDecl is one application an agent offers on its channel.
type AppDecl struct {
	Application domain.Application `json:"application"`
	LocalPort   int                `json:"local_port"`
}

// Hello is the first frame an agent sends after dialing.
type Hello struct {
	Version      int       `json:"version"`
	NodeID       string    `json:"node_id"`
	Token        string    `json:"token"`
	Kind         string    `json:"kind"`
	Applications []AppDecl `json:"applications,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
}

// TunnelGrant describes one registered tunnel in a [HelloAck].
type TunnelGrant struct {
	TunnelID    string             `json:"tunnel_id"`
	Application domain.Application `json:"application"`
	LocalPort   int                `json:"local_port"`
	RemotePort  int                `json:"remote_port"`
	IsSystem    bool               `json:"is_system,omitempty"`
}

// HelloAck is the hub's answer to [Hello]. On failure OK is false and Code
// carries a stable error code.
type HelloAck struct {
	OK                  bool          `json:"ok"`
	Code                string        `json:"code,omitempty"`
	Error               string        `json:"error,omitempty"`
	Tunnels             []TunnelGrant `json:"tunnels,omitempty"`
	HeartbeatIntervalMS int64         `json:"heartbeat_interval_ms,omitempty"`
	HubVersion          string        `json:"hub_version,omitempty"`
}

// Heartbeat is exchanged on [ChannelHeartbeat].
type Heartbeat struct {
	Kind string `json:"kind"`
	Seq  uint64 `json:"seq"`
}

// WriteFrame writes v as a 4-byte big-endian length followed by JSON.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame written by [WriteFrame] into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// AppChannel names the stream the hub opens to reach app on localPort.
func AppChannel(app domain.Application, localPort int) string {
	return "app:" + string(app) + ":" + strconv.Itoa(localPort)
}

// ParseAppChannel is the inverse of [AppChannel].
func ParseAppChannel(name string) (domain.Application, int, bool) {
	rest, ok := strings.CutPrefix(name, "app:")
	if !ok {
		return "", 0, false
	}
	appName, portStr, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, false
	}
	app, ok := domain.ParseApplication(appName)
	if !ok {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return app, port, true
}

// WriteHeader writes the newline-terminated channel name.
func WriteHeader(w io.Writer, channel string) error {
	if len(channel) > maxHeaderLen || strings.ContainsRune(channel, '\n') {
		return ErrHeaderTooLong
	}
	_, err := w.Write([]byte(channel + "\n"))
	return err
}

// ReadHeader reads a newline-terminated channel name one byte at a time so
// nothing past the header is consumed.
func ReadHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeaderLen {
			return "", ErrHeaderTooLong
		}
	}
}
