package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/router-for-me/DOMBridge/internal/config"
)

// Framer splits raw transport frames into logical messages and packs outbound
// messages into frames.
type Framer interface {
	Split(frame []byte) ([][]byte, error)
	Pack(msg []byte) []byte
}

// NewFramer returns the framer for the configured framing mode.
func NewFramer(mode, separator string) (Framer, error) {
	switch mode {
	case "", config.FramingSeparator:
		if separator == "" {
			separator = config.DefaultSeparator
		}
		return &separatorFramer{sep: []byte(separator)}, nil
	case config.FramingLengthPrefix:
		return lengthPrefixFramer{}, nil
	default:
		return nil, fmt.Errorf("bridge: unknown framing %q", mode)
	}
}

// separatorFramer reads a frame as a run of JSON values optionally joined by the
// separator token. Values are consumed whole, so a separator inside a string
// literal is never taken as a split point.
type separatorFramer struct {
	sep []byte
}

func (f *separatorFramer) Split(frame []byte) ([][]byte, error) {
	var out [][]byte
	rest := frame
	for {
		rest = f.skipGaps(rest)
		if len(rest) == 0 {
			return out, nil
		}
		dec := json.NewDecoder(bytes.NewReader(rest))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return out, &ProtocolError{Reason: fmt.Sprintf("undecodable frame segment: %v", err)}
		}
		end := dec.InputOffset()
		out = append(out, bytes.TrimSpace(rest[:end]))
		rest = rest[end:]
	}
}

func (f *separatorFramer) skipGaps(b []byte) []byte {
	for {
		b = bytes.TrimLeft(b, " \t\r\n")
		if len(f.sep) == 0 || !bytes.HasPrefix(b, f.sep) {
			return b
		}
		b = b[len(f.sep):]
	}
}

// Pack writes one message per frame.
func (f *separatorFramer) Pack(msg []byte) []byte { return msg }

// lengthPrefixFramer writes each message as "<len>:<json>"; several may share a frame.
type lengthPrefixFramer struct{}

func (lengthPrefixFramer) Split(frame []byte) ([][]byte, error) {
	var out [][]byte
	rest := frame
	for len(bytes.TrimSpace(rest)) > 0 {
		rest = bytes.TrimLeft(rest, " \t\r\n")
		colon := bytes.IndexByte(rest, ':')
		if colon <= 0 {
			return out, &ProtocolError{Reason: "missing length prefix"}
		}
		n, err := strconv.Atoi(string(rest[:colon]))
		if err != nil || n < 0 {
			return out, &ProtocolError{Reason: fmt.Sprintf("bad length prefix %q", rest[:colon])}
		}
		body := rest[colon+1:]
		if len(body) < n {
			return out, &ProtocolError{Reason: fmt.Sprintf("truncated message: want %d bytes, have %d", n, len(body))}
		}
		out = append(out, body[:n])
		rest = body[n:]
	}
	return out, nil
}

func (lengthPrefixFramer) Pack(msg []byte) []byte {
	prefix := strconv.Itoa(len(msg))
	out := make([]byte, 0, len(prefix)+1+len(msg))
	out = append(out, prefix...)
	out = append(out, ':')
	return append(out, msg...)
}
