package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/internal/tools"
)

// LLM socket event types.
const (
	eventSessionUpdate     = "session.update"
	eventAudioAppend       = "input_audio_buffer.append"
	eventItemCreate        = "conversation.item.create"
	eventItemTruncate      = "conversation.item.truncate"
	eventResponseCreate    = "response.create"
	eventAudioDelta        = "response.audio.delta"
	eventAudioTranscript   = "response.audio_transcript.done"
	eventSpeechStarted     = "input_audio_buffer.speech_started"
	eventInputTranscript   = "conversation.item.input_audio_transcription.completed"
	eventOutputItemDone    = "response.output_item.done"
	eventResponseDone      = "response.done"
	eventError             = "error"
	itemTypeFunctionCall   = "function_call"
	itemTypeFunctionOutput = "function_call_output"
)

// audioFormat is the Twilio Media Streams codec, passed through unchanged.
const audioFormat = "g711_ulaw"

// ── Outgoing ─────────────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	TurnDetection           turnDetection  `json:"turn_detection"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	Tools                   []functionTool `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcription struct {
	Model string `json:"model"`
}

type functionTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// ── Incoming ─────────────────────────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`

	// transcription events
	Transcript string `json:"transcript,omitempty"`

	// response.output_item.done
	Item *outputItem `json:"item,omitempty"`

	// response.done
	Response *responseInfo `json:"response,omitempty"`

	Error *serverError `json:"error,omitempty"`
}

type outputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responseInfo struct {
	Status string         `json:"status"`
	Usage  *responseUsage `json:"usage,omitempty"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func toFunctionTools(defs []tools.Definition) []functionTool {
	out := make([]functionTool, len(defs))
	for i, d := range defs {
		out[i] = functionTool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// ── Dialing ──────────────────────────────────────────────────────────────────

// DefaultURL is the OpenAI Realtime endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// DefaultModel is used when [Config.Model] is empty.
const DefaultModel = "gpt-4o-realtime-preview"

// readLimit bounds a single LLM socket frame. Audio deltas exceed the
// websocket library's 32 KiB default.
const readLimit = 4 << 20

// Dial opens the LLM realtime socket described by cfg.
func Dial(ctx context.Context, cfg Config) (Socket, error) {
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.model())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}
