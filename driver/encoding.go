package driver

// Speed modes shared by the WCH bridge chips.
const (
	Speed20k  byte = 0
	Speed100k byte = 1
	Speed400k byte = 2
	Speed750k byte = 3
)

// SpeedMode buckets a requested bus frequency in Hz into the nearest
// speed mode at or below it, the way the WCH chips configure their
// clock.
func SpeedMode(freq int) byte {
	switch {
	case freq >= 750000:
		return Speed750k
	case freq >= 400000:
		return Speed400k
	case freq >= 100000:
		return Speed100k
	default:
		return Speed20k
	}
}

// AddrByte converts a 7-bit peripheral address into the byte that goes
// on the wire: address in the high 7 bits, R/W flag in bit 0.
func AddrByte(addr byte, read bool) byte {
	b := addr << 1
	if read {
		b |= 1
	}
	return b
}

// EncodeMemAddr encodes a peripheral memory address as addrsize/8
// big-endian bytes. addrsize must be 8 or 16; other widths are a
// caller error. Bits above the requested width are dropped.
func EncodeMemAddr(memaddr int, addrsize int) ([]byte, error) {
	if memaddr < 0 {
		return nil, NewInvalidArgumentError("memory address must be non-negative, got %d", memaddr)
	}
	switch addrsize {
	case 8:
		return []byte{byte(memaddr)}, nil
	case 16:
		return []byte{byte(memaddr >> 8), byte(memaddr)}, nil
	default:
		return nil, NewInvalidArgumentError("memory address size must be 8 or 16 bits, got %d", addrsize)
	}
}
