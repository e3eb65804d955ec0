package media

// ContainerType names an output container.
type ContainerType string

// Supported containers.
const (
	ContainerMP4  ContainerType = "mp4"
	ContainerFMP4 ContainerType = "fmp4"
)

// Valid reports whether c is a known container.
func (c ContainerType) Valid() bool {
	return c == ContainerMP4 || c == ContainerFMP4
}

// Sample is one timed, opaque media buffer. Payload belongs to the engine
// that produced it and is handed to the writer without copying.
type Sample struct {
	Kind     Kind
	TrackID  int
	PTS      Time
	DTS      Time
	Duration Time
	Keyframe bool
	Payload  any
}

// ReaderStatus is the lifecycle state of a Reader.
type ReaderStatus int

// Reader states.
const (
	ReaderUnknown ReaderStatus = iota
	ReaderReading
	ReaderCompleted
	ReaderFailed
	ReaderCancelled
)

func (s ReaderStatus) String() string {
	switch s {
	case ReaderReading:
		return "reading"
	case ReaderCompleted:
		return "completed"
	case ReaderFailed:
		return "failed"
	case ReaderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// WriterStatus is the lifecycle state of a Writer.
type WriterStatus int

// Writer states.
const (
	WriterUnknown WriterStatus = iota
	WriterWriting
	WriterCompleted
	WriterFailed
	WriterCancelled
)

func (s WriterStatus) String() string {
	switch s {
	case WriterWriting:
		return "writing"
	case WriterCompleted:
		return "completed"
	case WriterFailed:
		return "failed"
	case WriterCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Engine creates readers and writers.
type Engine interface {
	NewReader(asset Asset) (Reader, error)
	NewWriter(path string, container ContainerType) (Writer, error)
}

// Reader decodes an Asset into pull-based outputs.
type Reader interface {
	SetTimeRange(r TimeRange)
	NewVideoOutput(tracks []Track, composition *VideoComposition) ReaderOutput
	NewAudioOutput(tracks []Track, mix *AudioMix) ReaderOutput
	CanAddOutput(o ReaderOutput) bool
	AddOutput(o ReaderOutput)
	StartReading() bool
	Status() ReaderStatus
	Err() error
	CancelReading()
}

// ReaderOutput yields samples in presentation order. NextSample returns nil
// once the output is exhausted or the reader stopped.
type ReaderOutput interface {
	Kind() Kind
	NextSample() *Sample
}

// Writer muxes samples pushed to its inputs into a file.
type Writer interface {
	SetOptimizeForNetworkUse(enabled bool)
	NewInput(kind Kind, settings Settings) WriterInput
	CanAddInput(in WriterInput) bool
	AddInput(in WriterInput)
	StartWriting() bool
	StartSession(at Time)
	Status() WriterStatus
	Err() error
	CancelWriting()
	// FinishWriting flushes and closes the file, then calls done once on an
	// engine goroutine.
	FinishWriting(done func())
}

// WriterInput accepts samples for one track. The engine invokes the
// callback registered with RequestMediaDataWhenReady whenever the input can
// accept more data, never running two invocations concurrently. When the
// writer leaves the writing state, an input that was not marked finished
// receives one final invocation so the callback can observe the new state.
// No invocations follow MarkAsFinished.
type WriterInput interface {
	Kind() Kind
	ReadyForMoreMediaData() bool
	Append(s *Sample) bool
	MarkAsFinished()
	RequestMediaDataWhenReady(fn func())
}
