package audio

import (
	"encoding/binary"
	"math"
)

const int16Scale = 1.0 / float32(math.MaxInt16)

// pcm16ToFloat interprets data as little-endian signed 16-bit PCM. A trailing
// odd byte is ignored.
func pcm16ToFloat(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) * int16Scale
	}
	return out
}

// G.711 expansion tables, one linear value per companded byte.
var (
	ulawToLinear = buildG711Table(expandUlaw)
	alawToLinear = buildG711Table(expandAlaw)
)

func buildG711Table(expand func(byte) int16) *[256]float32 {
	var t [256]float32
	for i := range t {
		t[i] = float32(expand(byte(i))) * int16Scale
	}
	return &t
}

func expandG711(data []byte, table *[256]float32) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = table[b]
	}
	return out
}

// expandUlaw undoes mu-law companding per ITU-T G.711.
func expandUlaw(b byte) int16 {
	b = ^b
	exponent := int16(b>>4) & 0x07
	mantissa := int16(b) & 0x0F
	magnitude := (mantissa<<3+0x84)<<exponent - 0x84
	if b&0x80 != 0 {
		return -magnitude
	}
	return magnitude
}

// expandAlaw undoes A-law companding per ITU-T G.711.
func expandAlaw(b byte) int16 {
	b ^= 0x55
	exponent := int16(b>>4) & 0x07
	mantissa := int16(b) & 0x0F
	var magnitude int16
	if exponent == 0 {
		magnitude = mantissa<<4 + 8
	} else {
		magnitude = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if b&0x80 == 0 {
		return -magnitude
	}
	return magnitude
}
