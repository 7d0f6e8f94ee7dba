package dnscrypt

import "fmt"

// pad appends ISO/IEC 7816-4 padding to packet: a single 0x80 byte followed by
// zeros.  The result is at least minSize bytes long and its length is a
// multiple of 64 unless that would exceed maxSize, in which case it's exactly
// maxSize.  A non-positive maxSize means no limit.
func pad(packet []byte, minSize, maxSize int) (padded []byte, err error) {
	size := (len(packet) + 1 + paddingBlockSize - 1) / paddingBlockSize * paddingBlockSize
	size = max(size, minSize)

	if maxSize > 0 && size > maxSize {
		if len(packet)+1 > maxSize {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(packet), maxSize-1)
		}

		size = maxSize
	}

	padded = make([]byte, size)
	copy(padded, packet)
	padded[len(packet)] = 0x80

	return padded, nil
}

// unpad removes the ISO/IEC 7816-4 padding from packet.  The 0x80 byte must
// follow at least MinDNSPacketSize bytes.
func unpad(packet []byte) (res []byte, err error) {
	for i := len(packet) - 1; i >= 0; i-- {
		switch packet[i] {
		case 0x00:
			continue
		case 0x80:
			if i < MinDNSPacketSize {
				return nil, fmt.Errorf("%w: packet too short", ErrMalformedEnvelope)
			}

			return packet[:i], nil
		default:
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedEnvelope)
		}
	}

	return nil, fmt.Errorf("%w: no padding", ErrMalformedEnvelope)
}
