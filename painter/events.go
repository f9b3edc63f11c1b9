package painter

import "github.com/nosqlbench/nbdatatools-sub003/persist"

// EventKind identifies what stage of a chunk's lifecycle an event reports.
type EventKind int

const (
	ChunkDownloadStart EventKind = iota
	ChunkDownloadOK
	ChunkDownloadFail
	ChunkVerifyStart
	ChunkVerifyOK
	ChunkVerifyFail
	PaintStart
	PaintDone
)

func (k EventKind) String() string {
	switch k {
	case ChunkDownloadStart:
		return "CHUNK_DL_START"
	case ChunkDownloadOK:
		return "CHUNK_DL_OK"
	case ChunkDownloadFail:
		return "CHUNK_DL_FAIL"
	case ChunkVerifyStart:
		return "CHUNK_VFY_START"
	case ChunkVerifyOK:
		return "CHUNK_VFY_OK"
	case ChunkVerifyFail:
		return "CHUNK_VFY_FAIL"
	case PaintStart:
		return "PAINT_START"
	case PaintDone:
		return "PAINT_DONE"
	default:
		return "UNKNOWN"
	}
}

// EventSink receives lifecycle events as a Painter runs. Implementations
// must be non-blocking, or accept that they become the throughput limit.
type EventSink interface {
	Emit(kind EventKind, chunkIndex uint32, payload any)
}

// DownloadPayload accompanies CHUNK_DL_* events.
type DownloadPayload struct {
	Run     NodeTransfer
	Attempt int
	Err     error
}

// VerifyPayload accompanies CHUNK_VFY_* events.
type VerifyPayload struct {
	Err error
}

// LogSink emits every event as a line through a *persist.Logger.
type LogSink struct {
	Logger *persist.Logger
}

// Emit logs the event kind, chunk index, and payload.
func (s LogSink) Emit(kind EventKind, chunkIndex uint32, payload any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Println(kind.String(), chunkIndex, payload)
}

// Event is a single recorded call to an EventSink, as captured by
// ChannelSink.
type Event struct {
	Kind       EventKind
	ChunkIndex uint32
	Payload    any
}

// ChannelSink buffers events on a channel, for tests and consumers that
// want to observe a Painter's progress synchronously rather than through
// side effects like logging. A full channel drops the event rather than
// blocking the Painter.
type ChannelSink struct {
	C chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer)}
}

// Emit sends the event on the channel, dropping it if the channel is full.
func (s *ChannelSink) Emit(kind EventKind, chunkIndex uint32, payload any) {
	select {
	case s.C <- Event{Kind: kind, ChunkIndex: chunkIndex, Payload: payload}:
	default:
	}
}
