package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// CH341A USB bridge in SPI/I2C mode.
const (
	CH341VendorID  = 0x1a86
	CH341ProductID = 0x5512

	ch341BulkEndpoint = 2
	ch341PacketLength = 0x20
	ch341Timeout      = 15 * time.Second

	ch341CmdSPIStream = 0xA8
	ch341CmdUIOStream = 0xAB
	ch341UIOStmDir    = 0x40
	ch341UIOStmOut    = 0x80
	ch341UIOStmEnd    = 0x20
)

// UIO output patterns that pull one of CS0..CS3 low. 0x37 releases all.
var ch341ChipSelect = [4]byte{0x36, 0x35, 0x33, 0x27}

const ch341ChipSelectIdle = 0x37

// CH341Bus drives the synthesizer through a CH341A bridge. The CH341 shifts
// bytes LSB first, so payload bytes are bit-reversed on the way out.
type CH341Bus struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
	cs   int
}

// NewCH341Bus opens the first CH341 on the USB bus and claims its SPI
// interface. cs selects which of the four chip select pins frames a word.
func NewCH341Bus(cs int) (*CH341Bus, error) {
	if cs < 0 || cs >= len(ch341ChipSelect) {
		return nil, fmt.Errorf("invalid CS pin %d, 0~3 are available", cs)
	}

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(CH341VendorID, CH341ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to open CH341 device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("CH341 device (%04x/%04x) not found", CH341VendorID, CH341ProductID)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to detach kernel driver: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim CH341 interface: %w", err)
	}

	b := &CH341Bus{ctx: ctx, dev: dev, done: done, cs: cs}
	if b.out, err = intf.OutEndpoint(ch341BulkEndpoint); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open CH341 OUT endpoint: %w", err)
	}
	if b.in, err = intf.InEndpoint(ch341BulkEndpoint); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open CH341 IN endpoint: %w", err)
	}

	if err := b.chipSelect(context.Background(), false); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

// Close releases the interface and the USB context
func (b *CH341Bus) Close() error {
	if b.done != nil {
		b.done()
		b.done = nil
	}
	var err error
	if b.dev != nil {
		err = b.dev.Close()
		b.dev = nil
	}
	if b.ctx != nil {
		if cerr := b.ctx.Close(); err == nil {
			err = cerr
		}
		b.ctx = nil
	}
	return err
}

// WriteWord frames one 32-bit word with the chip select pin.
func (b *CH341Bus) WriteWord(ctx context.Context, word uint32) error {
	if err := b.chipSelect(ctx, true); err != nil {
		return err
	}
	if err := b.stream(ctx, wordBytes(word, true)); err != nil {
		return err
	}
	return b.chipSelect(ctx, false)
}

// String describes the bridge
func (b *CH341Bus) String() string {
	if b.dev == nil {
		return "CH341 (closed)"
	}
	return fmt.Sprintf("CH341 %s, CS%d", b.dev.Desc.Device, b.cs)
}

func (b *CH341Bus) chipSelect(ctx context.Context, enable bool) error {
	pattern := byte(ch341ChipSelectIdle)
	if enable {
		pattern = ch341ChipSelect[b.cs]
	}
	pkt := []byte{
		ch341CmdUIOStream,
		ch341UIOStmOut | pattern,
		ch341UIOStmDir | 0x3F,
		ch341UIOStmEnd,
	}
	if err := b.write(ctx, pkt); err != nil {
		return fmt.Errorf("failed to set CS%d to %v: %w", b.cs, enable, err)
	}
	return nil
}

// stream shifts data out in packets of at most 31 bytes. The CH341 clocks
// in one byte for every byte sent and those must be drained.
func (b *CH341Bus) stream(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), ch341PacketLength-1)
		pkt := make([]byte, 0, n+1)
		pkt = append(pkt, ch341CmdSPIStream)
		pkt = append(pkt, data[:n]...)
		if err := b.write(ctx, pkt); err != nil {
			return fmt.Errorf("failed to transfer data to CH341: %w", err)
		}
		if err := b.read(ctx, make([]byte, n)); err != nil {
			return fmt.Errorf("failed to transfer data from CH341: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func (b *CH341Bus) write(ctx context.Context, buf []byte) error {
	if b.out == nil {
		return fmt.Errorf("CH341 device not open")
	}
	ctx, cancel := context.WithTimeout(ctx, ch341Timeout)
	defer cancel()
	for len(buf) > 0 {
		n, err := b.out.WriteContext(ctx, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (b *CH341Bus) read(ctx context.Context, buf []byte) error {
	if b.in == nil {
		return fmt.Errorf("CH341 device not open")
	}
	ctx, cancel := context.WithTimeout(ctx, ch341Timeout)
	defer cancel()
	for len(buf) > 0 {
		n, err := b.in.ReadContext(ctx, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read from CH341")
		}
		buf = buf[n:]
	}
	return nil
}
