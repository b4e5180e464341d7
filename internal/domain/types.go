package domain

// SampleBlock is one capture block shaped [channel][sampleIndex], samples normalized to [-1, 1].
type SampleBlock [][]float32

// Channels returns the number of channels in the block.
func (b SampleBlock) Channels() int {
	return len(b)
}

// Len returns the per-channel sample count, or 0 when the block has no channels.
func (b SampleBlock) Len() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// CaptureEventKind tags a CaptureEvent.
type CaptureEventKind string

const (
	CaptureEventData        CaptureEventKind = "data"
	CaptureEventPunctuation CaptureEventKind = "punctuation"
)

// CaptureEvent is either a block of captured audio or an utterance boundary.
// Block is nil for boundaries.
type CaptureEvent struct {
	Kind  CaptureEventKind
	Block SampleBlock
}

// DataEvent wraps a block as a data event.
func DataEvent(block SampleBlock) CaptureEvent {
	return CaptureEvent{Kind: CaptureEventData, Block: block}
}

// UtteranceBoundary marks the end of an utterance.
func UtteranceBoundary() CaptureEvent {
	return CaptureEvent{Kind: CaptureEventPunctuation}
}

// VoiceState models the per-utterance voice activity lifecycle.
type VoiceState string

const (
	VoiceStateIdle      VoiceState = "idle"
	VoiceStateListening VoiceState = "listening"
	VoiceStateArmed     VoiceState = "armed"
)

// CaptureStatus summarizes a capture session at a point in time.
type CaptureStatus struct {
	Voice         VoiceState `json:"voice"`
	Recording     bool       `json:"recording"`
	SoundDetected bool       `json:"soundDetected"`
}

// ExportedAudio is the asynchronous result of an encoder export.
type ExportedAudio struct {
	Format string
	Data   []byte
	Err    error
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a chat-completion conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TranscriptKind identifies whether a recognizer event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent is incremental output from a streaming recognizer.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}
