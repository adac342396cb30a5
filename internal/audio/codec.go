// Package audio converts between the carrier's narrowband µ-law audio and the
// linear PCM formats the conversational agent accepts, and provides the
// duplicate-frame and latency bookkeeping used on the media path.
package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zaf/g711"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

// CarrierSampleRate is the fixed sample rate of telephony media frames.
const CarrierSampleRate = 8000

var (
	ErrUnknownFormat = errors.New("unknown audio format")
	ErrOddPCMLength  = errors.New("pcm payload has odd length")
)

// Format describes an encoding by codec and sample rate.
type Format struct {
	Mulaw      bool
	SampleRate int
}

// ParseFormat understands "ulaw_8000" and "pcm_<rate>" names.
func ParseFormat(enc message.Encoding) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(string(enc)))
	codec, rateRaw, ok := strings.Cut(name, "_")
	if !ok {
		return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, enc)
	}

	rate, err := strconv.Atoi(rateRaw)
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, enc)
	}

	switch codec {
	case "ulaw", "mulaw":
		if rate != CarrierSampleRate {
			return Format{}, fmt.Errorf("%w: µ-law only at 8000 Hz, got %q", ErrUnknownFormat, enc)
		}
		return Format{Mulaw: true, SampleRate: rate}, nil
	case "pcm":
		return Format{SampleRate: rate}, nil
	}
	return Format{}, fmt.Errorf("%w: %q", ErrUnknownFormat, enc)
}

// Encoding returns the canonical name of f.
func (f Format) Encoding() message.Encoding {
	if f.Mulaw {
		return message.Encoding("ulaw_" + strconv.Itoa(f.SampleRate))
	}
	return message.Encoding("pcm_" + strconv.Itoa(f.SampleRate))
}

// MulawToPCM decodes µ-law bytes into 16-bit little-endian linear PCM.
func MulawToPCM(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// PCMToMulaw encodes 16-bit little-endian linear PCM into µ-law.
func PCMToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	return g711.EncodeUlaw(pcm), nil
}

// PCMToFloat converts 16-bit little-endian PCM into samples in [-1, 1].
func PCMToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(sample) / 32768.0
	}
	return out
}

// FloatToPCM converts samples in [-1, 1] back to 16-bit little-endian PCM, clipping.
func FloatToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var sample int16
		switch {
		case s >= 1.0:
			sample = 32767
		case s <= -1.0:
			sample = -32768
		default:
			sample = int16(s * 32767.0)
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// DurationMs returns the playback length of a payload in milliseconds.
func DurationMs(f Format, n int) float64 {
	if f.SampleRate == 0 {
		return 0
	}
	samples := n
	if !f.Mulaw {
		samples = n / 2
	}
	return float64(samples) * 1000 / float64(f.SampleRate)
}
