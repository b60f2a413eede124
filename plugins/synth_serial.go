package plugins

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"
)

// Serial bridge framing. A frame is STX, the escaped payload followed by
// its CRC-16/ARC, then ETX.
const (
	frameSTX byte = 0x02
	frameETX byte = 0x03
	frameESC byte = 0x1B

	frameChecksumLength = 2

	serialCmdWrite byte = 0x01
	serialAckWrite byte = 0x81
	serialNak      byte = 0xFF

	serialTimeout = 2 * time.Second
)

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// ErrSerialFrame is returned for replies that fail the checksum or do not
// parse.
var ErrSerialFrame = errors.New("invalid serial frame")

// SerialBus talks to a microcontroller that owns the SPI lines and latches
// one register word per command frame. Every write is acknowledged with
// the same word.
type SerialBus struct {
	rw        io.ReadWriteCloser
	device    string
	writeLock sync.Mutex
	readLock  sync.Mutex
}

// NewSerialBus opens the bridge on device at baud, 8N1.
func NewSerialBus(device string, baud uint) (*SerialBus, error) {
	rw, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", device, err)
	}
	return newSerialBus(rw, device), nil
}

func newSerialBus(rw io.ReadWriteCloser, device string) *SerialBus {
	return &SerialBus{rw: rw, device: device}
}

// Close closes the port
func (s *SerialBus) Close() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.rw == nil {
		return nil
	}
	err := s.rw.Close()
	s.rw = nil
	return err
}

// WriteWord sends word and waits for the bridge to acknowledge it.
func (s *SerialBus) WriteWord(ctx context.Context, word uint32) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.rw == nil {
		return fmt.Errorf("serial device not open")
	}

	payload := binary.BigEndian.AppendUint32([]byte{serialCmdWrite}, word)
	if _, err := s.rw.Write(encodeFrame(payload)); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}

	reply, err := s.readFrame(ctx)
	if err != nil {
		return err
	}

	switch {
	case len(reply) == 5 && reply[0] == serialAckWrite:
		if got := binary.BigEndian.Uint32(reply[1:]); got != word {
			return fmt.Errorf("bridge acknowledged 0x%08X, sent 0x%08X", got, word)
		}
		return nil
	case len(reply) > 0 && reply[0] == serialNak:
		return fmt.Errorf("bridge rejected 0x%08X: %s", word, reply[1:])
	default:
		return fmt.Errorf("%w: unexpected reply % x", ErrSerialFrame, reply)
	}
}

// String describes the bus
func (s *SerialBus) String() string {
	return fmt.Sprintf("Serial bridge %s", s.device)
}

// readFrame waits for one complete frame, giving up after serialTimeout.
// The read itself keeps going in the background until a byte or Close
// ends it.
func (s *SerialBus) readFrame(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, serialTimeout)
	defer cancel()

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	rw := s.rw
	go func() {
		s.readLock.Lock()
		defer s.readLock.Unlock()
		p, err := decodeFrame(rw)
		done <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply from bridge: %w", ctx.Err())
	case r := <-done:
		return r.payload, r.err
	}
}

func escapeFrame(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		switch b {
		case frameSTX, frameETX, frameESC:
			buf.WriteByte(frameESC)
		}
		buf.WriteByte(b)
	}
}

func encodeFrame(payload []byte) []byte {
	body := binary.BigEndian.AppendUint16(append([]byte(nil), payload...), crc16.Checksum(payload, crcTable))

	var buf bytes.Buffer
	buf.WriteByte(frameSTX)
	escapeFrame(&buf, body)
	buf.WriteByte(frameETX)
	return buf.Bytes()
}

// decodeFrame reads bytes up to the next ETX and returns the checked
// payload. Anything before STX is discarded.
func decodeFrame(r io.Reader) ([]byte, error) {
	var body bytes.Buffer
	b := make([]byte, 1)
	started := false
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("serial read failed: %w", err)
		}

		switch b[0] {
		case frameSTX:
			body.Reset()
			started = true
			continue
		case frameETX:
			if started {
				return popChecksum(body.Bytes())
			}
			continue
		case frameESC:
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, fmt.Errorf("serial read failed: %w", err)
			}
		}
		if started {
			body.WriteByte(b[0])
		}
	}
}

func popChecksum(p []byte) ([]byte, error) {
	if len(p) < frameChecksumLength {
		return nil, ErrSerialFrame
	}
	n := len(p) - frameChecksumLength
	if binary.BigEndian.Uint16(p[n:]) != crc16.Checksum(p[:n], crcTable) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSerialFrame)
	}
	return p[:n], nil
}
