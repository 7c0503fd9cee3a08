// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed wire framing: each frame is a
// u32 little-endian byte count followed by that many bytes of UTF-8 JSON.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/loopholelabs/polyglot/v2"

	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	InvalidFrameErr  = errors.New("invalid frame length")
	UnexpectedEOFErr = errors.New("unexpected end of stream")
	EncodeErr        = errors.New("unable to encode frame")
	DecodeErr        = errors.New("unable to decode frame")
	WriteErr         = errors.New("unable to write frame")
)

const (
	headerSize   = 4
	MaxFrameSize = 16 << 20
)

// Write frames msg onto w. The header and body are assembled into a single
// pooled buffer and written with one Write call; callers serialize concurrent
// writers with the connection's write mutex.
func Write(w io.Writer, msg *wire.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Join(EncodeErr, err)
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	buf.Write(header[:])
	buf.Write(body)
	if _, err = w.Write(buf.Bytes()); err != nil {
		return errors.Join(WriteErr, err)
	}
	return nil
}

// Read consumes exactly one frame from r. A clean EOF before the first header
// byte is io.EOF; an EOF after any byte of the frame has been consumed is
// UnexpectedEOFErr.
func Read(r io.Reader) (*wire.Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Join(UnexpectedEOFErr, err)
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return nil, InvalidFrameErr
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Join(UnexpectedEOFErr, err)
	}
	msg := new(wire.Message)
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, errors.Join(DecodeErr, err)
	}
	return msg, nil
}
