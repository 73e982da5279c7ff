package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/rtp"
)

const (
	// MinHeaderSize is the RTP fixed header without CSRCs or extension.
	MinHeaderSize = 12
	rtpVersion    = 2
)

var (
	ErrShortPacket     = errors.New("rtp: packet shorter than fixed header")
	ErrBadVersion      = errors.New("rtp: unsupported version")
	ErrHeaderTruncated = errors.New("rtp: header truncated")
)

// QueuedPacket is one datagram waiting for fanout. Data is owned by the queue
// entry and forwarded verbatim.
type QueuedPacket struct {
	Data       []byte
	From       netip.AddrPort
	ReceivedAt time.Time
}

// ParseHeader validates the fixed header and everything it declares
// (CSRC list, extension) against the datagram length.
func ParseHeader(data []byte) (rtp.Header, error) {
	var h rtp.Header
	if len(data) < MinHeaderSize {
		return h, ErrShortPacket
	}
	if v := data[0] >> 6; v != rtpVersion {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	if _, err := h.Unmarshal(data); err != nil {
		return h, fmt.Errorf("%w: %v", ErrHeaderTruncated, err)
	}
	return h, nil
}

// PeekSSRC reads the SSRC without validating the rest of the header.
func PeekSSRC(data []byte) (uint32, bool) {
	if len(data) < MinHeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[8:12]), true
}
