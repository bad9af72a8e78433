// Package wire implements the length-prefixed TCP wire format of the
// dataflow server: each message is an 8-byte uppercase ASCII hex length
// header followed by that many payload bytes. A zero length is a
// keep-alive and never reaches the application. Payloads above 1 MiB
// mark the connection bad.
package wire

import (
	"fmt"
	"io"
	"strconv"

	"github.com/schwoere/utdataflow/errors"
)

// MaxFrameSize limits the payload of one frame.
const MaxFrameSize = 1024 * 1024

// headerSize is the fixed length of the ASCII hex header.
const headerSize = 8

// KeepAlive is the frame sent to keep an idle connection open.
var KeepAlive = []byte("00000000")

// EncodeFrame prepends the hex length header to a payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes", errors.ErrFrameTooLarge, len(payload)),
			"wire", "EncodeFrame", "size check")
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, fmt.Sprintf("%08X", len(payload))...)
	return append(out, payload...), nil
}

// WriteFrame writes one framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	if err != nil {
		return errors.WrapTransient(err, "wire", "WriteFrame", "write")
	}
	return nil
}

// ReadFrame reads the next payload, transparently skipping keep-alive
// frames. Oversized frames return ErrFrameTooLarge; the caller must
// mark the connection bad and close it.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, errors.WrapTransient(err, "wire", "ReadFrame", "header read")
		}

		size, err := strconv.ParseUint(string(header), 16, 64)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("bad frame header %q: %w", header, err),
				"wire", "ReadFrame", "header parse")
		}
		if size > MaxFrameSize {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %d bytes", errors.ErrFrameTooLarge, size),
				"wire", "ReadFrame", "size check")
		}
		if size == 0 {
			// keep-alive, not delivered to the application
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.WrapTransient(err, "wire", "ReadFrame", "payload read")
		}
		return payload, nil
	}
}
