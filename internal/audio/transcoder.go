package audio

import (
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

// Direction distinguishes the two media legs of a session.
type Direction string

const (
	// Inbound flows from the caller towards the agent or operator.
	Inbound Direction = "inbound"
	// Outbound flows towards the caller.
	Outbound Direction = "outbound"
)

type streamKey struct {
	sessionID string
	direction Direction
}

// resampleStream keeps filter state across consecutive frames of one leg.
type resampleStream struct {
	mu        sync.Mutex
	from, to  int
	resampler resampling.Resampler
}

// Transcoder converts frames between encodings, keeping one stateful
// resampler per session and direction so frame boundaries stay seamless.
type Transcoder struct {
	mu      sync.Mutex
	streams map[streamKey]*resampleStream
}

// NewTranscoder creates an empty transcoder.
func NewTranscoder() *Transcoder {
	return &Transcoder{streams: make(map[streamKey]*resampleStream)}
}

// Convert transcodes data from one encoding to another. Identical encodings
// are returned untouched.
func (t *Transcoder) Convert(sessionID string, dir Direction, data []byte, from, to message.Encoding) ([]byte, error) {
	if from == to || len(data) == 0 {
		return data, nil
	}

	src, err := ParseFormat(from)
	if err != nil {
		return nil, err
	}
	dst, err := ParseFormat(to)
	if err != nil {
		return nil, err
	}

	pcm := data
	if src.Mulaw {
		pcm = MulawToPCM(data)
	} else if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}

	if src.SampleRate != dst.SampleRate {
		pcm, err = t.resample(streamKey{sessionID: sessionID, direction: dir}, pcm, src.SampleRate, dst.SampleRate)
		if err != nil {
			return nil, err
		}
	}

	if dst.Mulaw {
		return PCMToMulaw(pcm)
	}
	return pcm, nil
}

func (t *Transcoder) resample(key streamKey, pcm []byte, from, to int) ([]byte, error) {
	stream, err := t.stream(key, from, to)
	if err != nil {
		return nil, err
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	out, err := stream.resampler.Process(PCMToFloat(pcm))
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	return FloatToPCM(out), nil
}

func (t *Transcoder) stream(key streamKey, from, to int) (*resampleStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.streams[key]; ok && existing.from == from && existing.to == to {
		return existing, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	stream := &resampleStream{from: from, to: to, resampler: r}
	t.streams[key] = stream
	return stream, nil
}

// Release drops the resampler state held for a session.
func (t *Transcoder) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, streamKey{sessionID: sessionID, direction: Inbound})
	delete(t.streams, streamKey{sessionID: sessionID, direction: Outbound})
}

// Streams returns the number of live resampler states.
func (t *Transcoder) Streams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
