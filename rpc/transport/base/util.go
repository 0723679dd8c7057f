package base

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

const (
	headerSize = 12
	// maxFrameSize bounds the payload of a single frame.
	maxFrameSize = 16 << 20
)

var errFrameTooLarge = errors.New("frame exceeds the maximum size of 16 MiB")

// writeFrame writes one frame with header and payload in a single call.
func writeFrame(w io.Writer, requestID uint64, data []byte) error {
	if len(data) > maxFrameSize {
		return errFrameTooLarge
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// readFrame reads one frame into buf. A nil or too small buf is replaced by a
// new allocation, so the returned payload only aliases buf when it fits.
func readFrame(r io.Reader, buf []byte) (uint64, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	requestID := binary.BigEndian.Uint64(header[:8])
	n := binary.BigEndian.Uint32(header[8:12])
	if n > maxFrameSize {
		return requestID, nil, errFrameTooLarge
	}
	if n == 0 {
		return requestID, []byte{}, nil
	}
	if len(buf) < int(n) {
		buf = make([]byte, n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, nil, err
	}
	return requestID, buf[:n], nil
}
