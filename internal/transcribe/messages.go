package transcribe

// Outbound control frames. The configuration frame must be the first frame
// after connect; audio is raw binary; EndOfStream terminates the stream and
// carries the last audio sequence number so the engine can detect gaps.

type startRecognition struct {
	Type                string              `json:"type"`
	AudioFormat         audioFormat         `json:"audio_format"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptionConfig struct {
	Language             string                `json:"language"`
	EnablePartials       bool                  `json:"enable_partials"`
	PunctuationOverrides *PunctuationOverrides `json:"punctuation_overrides,omitempty"`
	MaxDelay             float64               `json:"max_delay,omitempty"`
	Diarization          string                `json:"diarization,omitempty"`
}

// PunctuationOverrides tunes the engine's punctuation policy.
type PunctuationOverrides struct {
	PermittedMarks []string `json:"permitted_marks,omitempty"`
	Sensitivity    float64  `json:"sensitivity,omitempty"`
}

type endOfStream struct {
	Type      string `json:"type"`
	LastSeqNo uint64 `json:"last_seq_no"`
}

// Inbound frames are JSON-tagged by the "message" field.
const (
	msgRecognitionStarted   = "RecognitionStarted"
	msgAddPartialTranscript = "AddPartialTranscript"
	msgAddTranscript        = "AddTranscript"
	msgEndOfTranscript      = "EndOfTranscript"
	msgInfo                 = "Info"
	msgError                = "Error"
)

type serverMessage struct {
	Message  string `json:"message"`
	ID       string `json:"id,omitempty"`
	Metadata struct {
		Transcript string `json:"transcript"`
	} `json:"metadata"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}
