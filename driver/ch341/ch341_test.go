package ch341

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/i2cpy/i2cgo/driver"
)

func TestNewDriverIDs(t *testing.T) {
	logger := golog.NewTestLogger(t)

	d, err := NewDriver(driver.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.index, test.ShouldEqual, 0)
	test.That(t, d.id, test.ShouldEqual, "0")

	d, err = NewDriver(driver.Config{ID: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.index, test.ShouldEqual, 2)
	test.That(t, d.id, test.ShouldEqual, "2")

	d, err = NewDriver(driver.Config{ID: "1:4"}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.busLoc, test.ShouldEqual, "1:4")
	test.That(t, d.id, test.ShouldEqual, "1:4")

	_, err = NewDriver(driver.Config{ID: -1}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})

	_, err = NewDriver(driver.Config{ID: 3.5}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldHaveSameTypeAs, &driver.InvalidArgumentError{})
}

func TestNewDriverSpeed(t *testing.T) {
	logger := golog.NewTestLogger(t)

	d, err := NewDriver(driver.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.speed, test.ShouldEqual, driver.Speed400k)

	d, err = NewDriver(driver.Config{Frequency: 100000}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.speed, test.ShouldEqual, driver.Speed100k)

	d, err = NewDriver(driver.Config{Frequency: 750000}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.speed, test.ShouldEqual, driver.Speed750k)
}

// outBytes parses one command packet, checks its framing, and collects
// the data carried by its output opcodes.
func outBytes(t *testing.T, pkt []byte) []byte {
	t.Helper()
	test.That(t, len(pkt), test.ShouldBeLessThanOrEqualTo, packetLength)
	test.That(t, pkt[0], test.ShouldEqual, byte(cmdI2CStream))
	test.That(t, pkt[len(pkt)-1], test.ShouldEqual, byte(stmEnd))
	var data []byte
	for i := 1; i < len(pkt)-1; {
		op := pkt[i]
		switch {
		case op == stmStart, op == stmStop:
			i++
		case op&0xC0 == stmIn:
			i++
		case op&0xC0 == stmOut:
			n := int(op & 0x3F)
			data = append(data, pkt[i+1:i+1+n]...)
			i += 1 + n
		default:
			t.Fatalf("unexpected opcode 0x%02x", op)
		}
	}
	return data
}

func TestPackerShortWrite(t *testing.T) {
	var p streamPacker
	p.add(stmStart)
	p.out([]byte{0xA0, 0x01, 0x02})
	p.add(stmStop)
	p.seal()

	test.That(t, p.packets, test.ShouldResemble, [][]byte{{
		cmdI2CStream, stmStart, stmOut | 3, 0xA0, 0x01, 0x02, stmStop, stmEnd,
	}})
	test.That(t, p.reads, test.ShouldBeEmpty)
}

func TestPackerPageWriteSpansPackets(t *testing.T) {
	// Address byte plus a 30-byte page, as an eeprom page write sends.
	// The transaction needs two bulk packets, each of which must be a
	// self-contained command stream; the chip drops anything that does
	// not open with the stream marker.
	wire := make([]byte, 31)
	for i := range wire {
		wire[i] = byte(i + 1)
	}
	var p streamPacker
	p.add(stmStart)
	p.out(wire)
	p.add(stmStop)
	p.seal()

	test.That(t, len(p.packets), test.ShouldEqual, 2)
	var data []byte
	for _, pkt := range p.packets {
		data = append(data, outBytes(t, pkt)...)
	}
	test.That(t, data, test.ShouldResemble, wire)
	test.That(t, p.packets[0][1], test.ShouldEqual, byte(stmStart))
	last := p.packets[1]
	test.That(t, last[len(last)-2], test.ShouldEqual, byte(stmStop))
}

func TestPackerIn(t *testing.T) {
	// The last byte is always requested with a zero-count opcode, and
	// every input opcode records its expected reply length.
	var p streamPacker
	p.in(1)
	test.That(t, p.cur[1:], test.ShouldResemble, []byte{stmIn})
	test.That(t, p.reads, test.ShouldResemble, []int{1})

	p = streamPacker{}
	p.in(2)
	test.That(t, p.cur[1:], test.ShouldResemble, []byte{stmIn | 1, stmIn})
	test.That(t, p.reads, test.ShouldResemble, []int{1, 1})

	p = streamPacker{}
	p.in(maxChunk + 1)
	test.That(t, p.cur[1:], test.ShouldResemble, []byte{stmIn | maxChunk, stmIn})
	test.That(t, p.reads, test.ShouldResemble, []int{maxChunk, 1})
}

func TestPackerReadPlan(t *testing.T) {
	var p streamPacker
	p.add(stmStart)
	p.out([]byte{0xA1})
	p.in(64)
	p.add(stmStop)
	p.seal()

	test.That(t, p.reads, test.ShouldResemble, []int{29, 29, 5, 1})
	total := 0
	for _, n := range p.reads {
		total += n
	}
	test.That(t, total, test.ShouldEqual, 64)
	for _, pkt := range p.packets {
		outBytes(t, pkt)
	}
}

func TestNotOpen(t *testing.T) {
	logger := golog.NewTestLogger(t)
	d, err := NewDriver(driver.Config{ID: 99}, logger)
	test.That(t, err, test.ShouldBeNil)

	err = d.WriteTo(context.Background(), 0x50, []byte{0x01})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, d.Deinit(context.Background()), test.ShouldBeNil)
}

func TestScanSupport(t *testing.T) {
	logger := golog.NewTestLogger(t)
	d, err := NewDriver(driver.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ScanSupport(), test.ShouldEqual, driver.ScanBestEffort)
}
