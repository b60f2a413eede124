package plugins

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Bus shifts 32-bit register words into the synthesizer. Each WriteWord is
// one latch cycle: chip select (LE) is asserted for exactly four bytes.
type Bus interface {
	WriteWord(ctx context.Context, word uint32) error
	Close() error
}

// Bus kinds accepted in the configuration.
const (
	BusSPI    = "spi"
	BusCH341  = "ch341"
	BusSerial = "serial"
)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// SPIBus drives the synthesizer through a periph.io SPI port: a spidev node
// on a single board computer or an FT232H registered by host.Init.
type SPIBus struct {
	conn     spi.Conn
	port     spi.PortCloser
	device   string
	speed    physic.Frequency
	lsbFirst bool
}

// NewSPIBus opens device at speed Hz. ADF435x samples DATA on the rising
// edge of CLK, so the port runs in mode 0.
func NewSPIBus(device string, speed uint32, lsbFirst bool) (*SPIBus, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI device %s: %w", device, err)
	}

	conn, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect to SPI device: %w", err)
	}

	return &SPIBus{
		conn:     conn,
		port:     port,
		device:   device,
		speed:    physic.Frequency(speed) * physic.Hertz,
		lsbFirst: lsbFirst,
	}, nil
}

// Close closes the SPI port
func (s *SPIBus) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

// WriteWord sends word most significant byte first.
func (s *SPIBus) WriteWord(ctx context.Context, word uint32) error {
	if s.conn == nil {
		return fmt.Errorf("SPI device not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := wordBytes(word, s.lsbFirst)
	rx := make([]byte, len(tx))
	if err := s.conn.Tx(tx, rx); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}
	return nil
}

// String describes the bus
func (s *SPIBus) String() string {
	if s.conn == nil {
		return fmt.Sprintf("SPI %s (closed)", s.device)
	}
	return fmt.Sprintf("SPI %s, Speed: %s", s.device, s.speed)
}

// wordBytes renders word big endian. Bridges that shift LSB first get every
// byte bit-reversed so the chip still sees MSB first on the wire.
func wordBytes(word uint32, lsbFirst bool) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 4), word)
	if lsbFirst {
		for i := range b {
			b[i] = bits.Reverse8(b[i])
		}
	}
	return b
}

// ValidateSPIDevice checks if the device can be opened
func ValidateSPIDevice(device string) error {
	if err := hostInit(); err != nil {
		return fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return fmt.Errorf("SPI device %s not accessible: %w", device, err)
	}
	defer port.Close()

	return nil
}
