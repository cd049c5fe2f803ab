package ledger

import (
	"encoding/binary"
	"fmt"
)

const (
	tagAPDU = 0x05

	// DefaultMTU is the frame size used over BLE when the link does not report one.
	DefaultMTU = 156
)

// Framer splits APDUs into transport frames and reassembles responses.
// Frame layout: [channel:u16] tag seq:u16 [len:u16 on seq 0] payload.
type Framer struct {
	// MTU is the maximum frame size. Zero means DefaultMTU.
	MTU int
	// Channel, when set, prefixes every frame (HID-style transports).
	Channel *uint16
}

func (f Framer) mtu() int {
	if f.MTU <= 0 {
		return DefaultMTU
	}
	return f.MTU
}

func (f Framer) headerLen(seq int) int {
	n := 3
	if f.Channel != nil {
		n += 2
	}
	if seq == 0 {
		n += 2
	}
	return n
}

// Wrap chunks apdu into frames.
func (f Framer) Wrap(apdu []byte) ([][]byte, error) {
	if len(apdu) > 0xFFFF {
		return nil, fmt.Errorf("apdu too long: %d bytes", len(apdu))
	}
	var frames [][]byte
	rest := apdu
	for seq := 0; seq == 0 || len(rest) > 0; seq++ {
		room := f.mtu() - f.headerLen(seq)
		if room <= 0 {
			return nil, fmt.Errorf("mtu %d too small", f.mtu())
		}
		n := min(room, len(rest))

		frame := make([]byte, 0, f.headerLen(seq)+n)
		if f.Channel != nil {
			frame = binary.BigEndian.AppendUint16(frame, *f.Channel)
		}
		frame = append(frame, tagAPDU)
		frame = binary.BigEndian.AppendUint16(frame, uint16(seq))
		if seq == 0 {
			frame = binary.BigEndian.AppendUint16(frame, uint16(len(apdu)))
		}
		frame = append(frame, rest[:n]...)
		frames = append(frames, frame)
		rest = rest[n:]
	}
	return frames, nil
}

// Reassembler collects response frames into one APDU response.
type Reassembler struct {
	Framer
	expected int
	nextSeq  int
	buf      []byte
}

// NewReassembler returns a reassembler using framer's layout.
func NewReassembler(framer Framer) *Reassembler {
	return &Reassembler{Framer: framer, expected: -1}
}

// Feed consumes one frame. It returns the full response once every byte announced
// by the first frame has arrived.
func (r *Reassembler) Feed(frame []byte) ([]byte, bool, error) {
	b := frame
	if r.Channel != nil {
		if len(b) < 2 {
			return nil, false, fmt.Errorf("frame too short for channel")
		}
		if ch := binary.BigEndian.Uint16(b); ch != *r.Channel {
			return nil, false, fmt.Errorf("unexpected channel 0x%04X", ch)
		}
		b = b[2:]
	}
	if len(b) < 3 {
		return nil, false, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if b[0] != tagAPDU {
		return nil, false, fmt.Errorf("unexpected frame tag 0x%02X", b[0])
	}
	seq := int(binary.BigEndian.Uint16(b[1:3]))
	if seq != r.nextSeq {
		return nil, false, fmt.Errorf("frame out of sequence: got %d, want %d", seq, r.nextSeq)
	}
	b = b[3:]
	if seq == 0 {
		if len(b) < 2 {
			return nil, false, fmt.Errorf("first frame missing length")
		}
		r.expected = int(binary.BigEndian.Uint16(b))
		r.buf = make([]byte, 0, r.expected)
		b = b[2:]
	}
	r.nextSeq++

	need := r.expected - len(r.buf)
	r.buf = append(r.buf, b[:min(need, len(b))]...)
	if len(r.buf) < r.expected {
		return nil, false, nil
	}
	out := r.buf
	r.reset()
	return out, true, nil
}

func (r *Reassembler) reset() {
	r.expected = -1
	r.nextSeq = 0
	r.buf = nil
}

// Encode serializes a and chunks it into frames.
func (f Framer) Encode(a APDU) ([][]byte, error) {
	raw, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	return f.Wrap(raw)
}
