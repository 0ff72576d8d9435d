package audio

import (
	"errors"
	"fmt"
)

// Codec names the wire encoding a widget client streams audio in.
type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// ErrUnsupportedCodec is returned when a session declares an encoding the
// server cannot decode.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// g711Rate is the only sample rate the G.711 family carries.
const g711Rate = 8000

// Decode converts one encoded chunk to float32 PCM in [-1, 1] and reports the
// rate the samples are at. G.711 variants ignore sampleRate, they are always
// 8 kHz on the wire.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	switch codec {
	case CodecPCM:
		return pcm16ToFloat(data), sampleRate, nil
	case CodecG711Ulaw:
		return expandG711(data, ulawToLinear), g711Rate, nil
	case CodecG711Alaw:
		return expandG711(data, alawToLinear), g711Rate, nil
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
}
