package stream

// Class decides how a frame is queued.
type Class int

const (
	// ClassAudio frames are bounded; the oldest is dropped when the queue is full.
	ClassAudio Class = iota
	// ClassControl frames keep their order relative to audio and are never dropped.
	ClassControl
	// ClassUrgent frames jump ahead of everything already queued.
	ClassUrgent
)

func (c Class) String() string {
	switch c {
	case ClassAudio:
		return "audio"
	case ClassControl:
		return "control"
	case ClassUrgent:
		return "urgent"
	}
	return "unknown"
}

type frame struct {
	data    []byte
	class   Class
	msgType int
}

// frameQueue is a two-lane FIFO: urgent frames first, then normal frames in
// arrival order. Only audio frames count against the limit.
type frameQueue struct {
	urgent []frame
	normal []frame
	audio  int
	limit  int
}

func newFrameQueue(limit int) *frameQueue {
	if limit < 1 {
		limit = 1
	}
	return &frameQueue{limit: limit}
}

// push enqueues f and returns how many audio frames were evicted to make room.
func (q *frameQueue) push(f frame) int {
	if f.class == ClassUrgent {
		q.urgent = append(q.urgent, f)
		return 0
	}

	q.normal = append(q.normal, f)
	if f.class != ClassAudio {
		return 0
	}

	q.audio++
	dropped := 0
	for q.audio > q.limit {
		if !q.dropOldestAudio() {
			break
		}
		dropped++
	}
	return dropped
}

func (q *frameQueue) dropOldestAudio() bool {
	for i, f := range q.normal {
		if f.class == ClassAudio {
			copy(q.normal[i:], q.normal[i+1:])
			q.normal[len(q.normal)-1] = frame{}
			q.normal = q.normal[:len(q.normal)-1]
			q.audio--
			return true
		}
	}
	return false
}

func (q *frameQueue) pop() (frame, bool) {
	if len(q.urgent) > 0 {
		f := q.urgent[0]
		q.urgent[0] = frame{}
		q.urgent = q.urgent[1:]
		return f, true
	}
	if len(q.normal) > 0 {
		f := q.normal[0]
		q.normal[0] = frame{}
		q.normal = q.normal[1:]
		if f.class == ClassAudio {
			q.audio--
		}
		return f, true
	}
	return frame{}, false
}

// flushAudio discards every queued audio frame and returns how many were removed.
func (q *frameQueue) flushAudio() int {
	if q.audio == 0 {
		return 0
	}
	kept := q.normal[:0]
	removed := 0
	for _, f := range q.normal {
		if f.class == ClassAudio {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	clear(q.normal[len(kept):])
	q.normal = kept
	q.audio = 0
	return removed
}

func (q *frameQueue) len() int {
	return len(q.urgent) + len(q.normal)
}

func (q *frameQueue) reset() {
	q.urgent = nil
	q.normal = nil
	q.audio = 0
}
