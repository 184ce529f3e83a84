package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary Spectrum Packet Format
// =============================
//
// Every binary spectrum packet starts with a fixed 22-byte header followed
// by a flag-dependent payload. All integers are little-endian.
//
// Offset | Size | Description
// -------|------|------------------------------------------------------
// 0      | 4    | Magic bytes "SPEC"
// 4      | 1    | Protocol version: 1
// 5      | 1    | Flags: 1=full/f32, 2=delta/f32, 3=full/u8, 4=delta/u8
// 6      | 8    | Timestamp in milliseconds (uint64)
// 14     | 8    | Center frequency in Hz (uint64)
// 22     | N    | Payload
//
// Full float32 payload: one float32 per bin; bin count = (len-22)/4.
// Full uint8 payload: one byte per bin; bin count = len-22; a byte b maps
// to dB as float32(b) - 256 (the 8-bit encoding covers [-256, -1] dB).
// Delta payloads: uint16 change count at offset 22, then change records of
// (uint16 bin index, float32 value) for the float pipeline or
// (uint16 bin index, uint8 value) for the 8-bit pipeline. Deltas patch the
// last full frame; a delta with no prior full frame is a protocol error.

const (
	spectrumMagic      = "SPEC"
	spectrumVersion    = 1
	spectrumHeaderSize = 22

	frameFullFloat32  = 1
	frameDeltaFloat32 = 2
	frameFullUint8    = 3
	frameDeltaUint8   = 4
)

// Decode errors. All of them are non-fatal: the caller logs, drops the
// packet and continues with the next message. Decoder state is never
// mutated by a packet that fails to decode.
var (
	ErrMalformedFrame = errors.New("malformed spectrum frame")
	ErrNoBaseFrame    = errors.New("delta frame without base frame")
	ErrEncodingSwitch = errors.New("full frame switches sample encoding mid-stream")
)

// baseKind tags which sample encoding the decoder is locked to. The first
// full frame selects it; it stays fixed until Reset.
type baseKind uint8

const (
	baseNone baseKind = iota
	baseFloat32
	baseUint8
)

// BinaryDecoder reconstructs full spectrum arrays from the binary packet
// stream. It keeps the single piece of cross-packet state the protocol
// needs: the last fully reconstructed bin array in whichever encoding the
// stream uses. Not safe for concurrent use; it belongs to the receive loop.
type BinaryDecoder struct {
	kind    baseKind
	baseF32 []float32
	baseU8  []uint8
}

func NewBinaryDecoder() *BinaryDecoder {
	return &BinaryDecoder{}
}

// Reset discards the delta base. The next delta before a new full frame
// will be rejected with ErrNoBaseFrame. Called when a new config message
// renegotiates the viewport.
func (d *BinaryDecoder) Reset() {
	d.kind = baseNone
	d.baseF32 = nil
	d.baseU8 = nil
}

// BinCount returns the length of the live base array, or 0 before the
// first full frame.
func (d *BinaryDecoder) BinCount() int {
	switch d.kind {
	case baseFloat32:
		return len(d.baseF32)
	case baseUint8:
		return len(d.baseU8)
	}
	return 0
}

// Decode parses one binary packet and returns the resulting full frame.
// Delta packets are applied against the stored base; the returned frame
// always carries a freshly allocated bin slice.
func (d *BinaryDecoder) Decode(packet []byte) (*SpectrumFrame, error) {
	if len(packet) < spectrumHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(packet), spectrumHeaderSize)
	}
	if string(packet[0:4]) != spectrumMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedFrame, packet[0:4])
	}
	if packet[4] != spectrumVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, packet[4])
	}

	flags := packet[5]
	timestamp := binary.LittleEndian.Uint64(packet[6:14])
	frequency := binary.LittleEndian.Uint64(packet[14:22])
	payload := packet[spectrumHeaderSize:]

	var bins []float32
	var err error
	switch flags {
	case frameFullFloat32:
		bins, err = d.decodeFullFloat32(payload)
	case frameDeltaFloat32:
		bins, err = d.decodeDeltaFloat32(payload)
	case frameFullUint8:
		bins, err = d.decodeFullUint8(payload)
	case frameDeltaUint8:
		bins, err = d.decodeDeltaUint8(payload)
	default:
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrMalformedFrame, flags)
	}
	if err != nil {
		return nil, err
	}

	return &SpectrumFrame{
		Bins:      bins,
		Timestamp: timestamp,
		Frequency: frequency,
	}, nil
}

// decodeFullFloat32 replaces the float base wholesale.
func (d *BinaryDecoder) decodeFullFloat32(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: float payload of %d bytes not a multiple of 4", ErrMalformedFrame, len(payload))
	}
	if d.kind == baseUint8 {
		return nil, ErrEncodingSwitch
	}

	binCount := len(payload) / 4
	base := make([]float32, binCount)
	for i := 0; i < binCount; i++ {
		base[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}

	d.kind = baseFloat32
	d.baseF32 = base
	return copyBins(base), nil
}

// decodeDeltaFloat32 patches the float base in place. The whole record list
// is validated before any bin is touched so a bad packet never leaves the
// base partially applied.
func (d *BinaryDecoder) decodeDeltaFloat32(payload []byte) ([]float32, error) {
	if d.kind != baseFloat32 {
		if d.kind == baseNone {
			return nil, ErrNoBaseFrame
		}
		return nil, fmt.Errorf("%w: float delta against uint8 base", ErrMalformedFrame)
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: delta payload too short", ErrMalformedFrame)
	}

	changeCount := int(binary.LittleEndian.Uint16(payload[0:2]))
	records := payload[2:]
	if len(records) != changeCount*6 {
		return nil, fmt.Errorf("%w: %d float delta records need %d bytes, have %d",
			ErrMalformedFrame, changeCount, changeCount*6, len(records))
	}
	for i := 0; i < changeCount; i++ {
		idx := int(binary.LittleEndian.Uint16(records[i*6:]))
		if idx >= len(d.baseF32) {
			return nil, fmt.Errorf("%w: delta index %d out of range (bins %d)", ErrMalformedFrame, idx, len(d.baseF32))
		}
	}

	for i := 0; i < changeCount; i++ {
		idx := binary.LittleEndian.Uint16(records[i*6:])
		value := math.Float32frombits(binary.LittleEndian.Uint32(records[i*6+2:]))
		d.baseF32[idx] = value
	}
	return copyBins(d.baseF32), nil
}

// decodeFullUint8 replaces the 8-bit base wholesale and derives the exposed
// float array through the b-256 dB mapping.
func (d *BinaryDecoder) decodeFullUint8(payload []byte) ([]float32, error) {
	if d.kind == baseFloat32 {
		return nil, ErrEncodingSwitch
	}

	base := make([]uint8, len(payload))
	copy(base, payload)

	d.kind = baseUint8
	d.baseU8 = base
	return binsFromUint8(base), nil
}

// decodeDeltaUint8 patches the 8-bit base, then re-derives the full float
// array so consumers always see every bin, not just the changed ones.
func (d *BinaryDecoder) decodeDeltaUint8(payload []byte) ([]float32, error) {
	if d.kind != baseUint8 {
		if d.kind == baseNone {
			return nil, ErrNoBaseFrame
		}
		return nil, fmt.Errorf("%w: uint8 delta against float base", ErrMalformedFrame)
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: delta payload too short", ErrMalformedFrame)
	}

	changeCount := int(binary.LittleEndian.Uint16(payload[0:2]))
	records := payload[2:]
	if len(records) != changeCount*3 {
		return nil, fmt.Errorf("%w: %d uint8 delta records need %d bytes, have %d",
			ErrMalformedFrame, changeCount, changeCount*3, len(records))
	}
	for i := 0; i < changeCount; i++ {
		idx := int(binary.LittleEndian.Uint16(records[i*3:]))
		if idx >= len(d.baseU8) {
			return nil, fmt.Errorf("%w: delta index %d out of range (bins %d)", ErrMalformedFrame, idx, len(d.baseU8))
		}
	}

	for i := 0; i < changeCount; i++ {
		idx := binary.LittleEndian.Uint16(records[i*3:])
		d.baseU8[idx] = records[i*3+2]
	}
	return binsFromUint8(d.baseU8), nil
}

// binsFromUint8 maps 8-bit samples to dB values.
func binsFromUint8(data []uint8) []float32 {
	bins := make([]float32, len(data))
	for i, b := range data {
		bins[i] = float32(b) - 256.0
	}
	return bins
}

func copyBins(bins []float32) []float32 {
	out := make([]float32, len(bins))
	copy(out, bins)
	return out
}

// isBinarySpectrumPacket reports whether a binary WebSocket message starts
// with the spectrum magic. Messages that do not are gzip-compressed JSON.
func isBinarySpectrumPacket(data []byte) bool {
	return len(data) >= 4 && string(data[0:4]) == spectrumMagic
}
