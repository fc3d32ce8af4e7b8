package twilio

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
	EventDTMF      = "dtmf"
)

// StreamMessage is one JSON text frame on a Media Streams socket, in either
// direction.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StreamStart  `json:"start,omitempty"`
	Media          *StreamMedia  `json:"media,omitempty"`
	Mark           *StreamMark   `json:"mark,omitempty"`
	Stop           *StreamStop   `json:"stop,omitempty"`
	DTMF           *StreamDigits `json:"dtmf,omitempty"`
}

// StreamStart is the payload of the start event.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

// StreamMedia is an audio chunk. Payload is base64 μ-law at 8 kHz. Timestamp
// is milliseconds since the stream started, as a decimal string.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamMark names a playback checkpoint.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamStop is the payload of the stop event.
type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// StreamDigits is a keypad press during a stream.
type StreamDigits struct {
	Digit string `json:"digit"`
}

// MediaFrame builds an outbound media frame.
func MediaFrame(streamSID, payload string) StreamMessage {
	return StreamMessage{Event: EventMedia, StreamSID: streamSID, Media: &StreamMedia{Payload: payload}}
}

// MarkFrame builds an outbound mark frame.
func MarkFrame(streamSID, name string) StreamMessage {
	return StreamMessage{Event: EventMark, StreamSID: streamSID, Mark: &StreamMark{Name: name}}
}

// ClearFrame builds a frame that drops all buffered playback.
func ClearFrame(streamSID string) StreamMessage {
	return StreamMessage{Event: EventClear, StreamSID: streamSID}
}
