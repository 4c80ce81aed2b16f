package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

const (
	frameHeaderSize = 4
	// MaxFrameSize bounds a single encoded message.
	MaxFrameSize = 16 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc: frame too large")

// WriteFrame encodes msg as a length-prefixed JSON frame.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame decodes the next frame from r. io.EOF is returned untouched on a clean close.
func ReadFrame(r io.Reader) (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: decode message: %w", err)
	}
	return msg, nil
}
