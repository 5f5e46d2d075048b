package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event types sent to the client as text frames.
const (
	EventReady        = "ready"
	EventError        = "error"
	EventInterrupted  = "interrupted"
	EventTurnComplete = "turn_complete"
)

// CommandStop is the only client command with relay semantics: it ends the
// client's audio input stream.
const CommandStop = "stop"

// Upstream protocol constants.
const (
	// AudioMimeType tags client PCM forwarded to Gemini: 16-bit, 16kHz, mono.
	AudioMimeType = "audio/pcm;rate=16000"

	// ModalityAudio requests audio output from the model.
	ModalityAudio = "AUDIO"

	// ActivityHandlingInterrupts makes new input audio interrupt any
	// in-progress generation.
	ActivityHandlingInterrupts = "START_OF_ACTIVITY_INTERRUPTS"
)

// ClientEvent is a control message sent to the client.
type ClientEvent struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ReadyEvent signals that the upstream handshake completed and audio may flow.
func ReadyEvent() ClientEvent {
	return ClientEvent{Type: EventReady}
}

// ErrorEvent signals a fatal condition; the session will close.
func ErrorEvent(message string, details json.RawMessage) ClientEvent {
	return ClientEvent{Type: EventError, Message: message, Details: details}
}

// InterruptedEvent signals that upstream generation was interrupted.
func InterruptedEvent() ClientEvent {
	return ClientEvent{Type: EventInterrupted}
}

// TurnCompleteEvent signals that upstream finished a generation turn.
func TurnCompleteEvent() ClientEvent {
	return ClientEvent{Type: EventTurnComplete}
}

// Encode serializes the event for sending as a text frame.
func (e ClientEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ClientCommand is the closed set of control messages a client may send on
// the text channel. Unknown types are ignored by the relay.
type ClientCommand struct {
	Type string `json:"type"`
}

// ParseClientCommand decodes a client text frame. Malformed JSON yields an
// error; the relay treats such frames as noise, not as a fatal condition.
func ParseClientCommand(data []byte) (*ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("malformed client command: %w", err)
	}
	return &cmd, nil
}

// Setup is the configuration message sent to Gemini exactly once after
// connecting, before any audio is forwarded.
type Setup struct {
	Setup SetupBody `json:"setup"`
}

// SetupBody names the model and requested behavior.
type SetupBody struct {
	Model               string              `json:"model"`
	GenerationConfig    GenerationConfig    `json:"generationConfig"`
	SystemInstruction   SystemInstruction   `json:"systemInstruction"`
	RealtimeInputConfig RealtimeInputConfig `json:"realtimeInputConfig"`
}

// GenerationConfig selects the output modalities.
type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

// SystemInstruction carries the behavioral instruction text.
type SystemInstruction struct {
	Parts []TextPart `json:"parts"`
}

// TextPart is a single text fragment of a system instruction.
type TextPart struct {
	Text string `json:"text"`
}

// RealtimeInputConfig controls how new client activity affects generation.
type RealtimeInputConfig struct {
	ActivityHandling string `json:"activityHandling"`
}

// NewSetup builds the setup message for the given model and system
// instruction, requesting audio output and interrupt-on-activity semantics.
func NewSetup(model, systemInstruction string) Setup {
	return Setup{
		Setup: SetupBody{
			Model: model,
			GenerationConfig: GenerationConfig{
				ResponseModalities: []string{ModalityAudio},
			},
			SystemInstruction: SystemInstruction{
				Parts: []TextPart{{Text: systemInstruction}},
			},
			RealtimeInputConfig: RealtimeInputConfig{
				ActivityHandling: ActivityHandlingInterrupts,
			},
		},
	}
}

// RealtimeInput wraps audio input or the end-of-stream marker sent upstream.
type RealtimeInput struct {
	RealtimeInput RealtimeInputBody `json:"realtimeInput"`
}

// RealtimeInputBody carries either an audio blob or the stream-end flag.
type RealtimeInputBody struct {
	Audio          *AudioBlob `json:"audio,omitempty"`
	AudioStreamEnd bool       `json:"audioStreamEnd,omitempty"`
}

// AudioBlob is a base64-encoded audio payload with its MIME type.
type AudioBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// NewAudioInput wraps a raw PCM chunk as an upstream audio-input message.
func NewAudioInput(pcm []byte) RealtimeInput {
	return RealtimeInput{
		RealtimeInput: RealtimeInputBody{
			Audio: &AudioBlob{
				MimeType: AudioMimeType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		},
	}
}

// NewAudioStreamEnd builds the end-of-audio-stream signal.
func NewAudioStreamEnd() RealtimeInput {
	return RealtimeInput{
		RealtimeInput: RealtimeInputBody{
			AudioStreamEnd: true,
		},
	}
}

// ServerMessage is a message received from Gemini. The schema is externally
// controlled and may grow fields, so parsing is a field-presence check rather
// than strict validation.
type ServerMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	RPCStatus     json.RawMessage `json:"rpcStatus,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
}

// ServerContent holds the content-bearing part of a server message.
type ServerContent struct {
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
}

// ModelTurn is a generation turn containing ordered content parts.
type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// Part is a single content part. Gemini has been observed emitting inline
// data under both the camelCase and snake_case keys, so both are accepted.
type Part struct {
	InlineData      *InlineData `json:"inlineData,omitempty"`
	InlineDataSnake *InlineData `json:"inline_data,omitempty"`
}

// Inline returns the part's inline data regardless of key spelling, or nil.
func (p *Part) Inline() *InlineData {
	if p.InlineData != nil {
		return p.InlineData
	}
	return p.InlineDataSnake
}

// InlineData is a base64-encoded media payload inside a model turn.
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// DecodeAudio returns the raw bytes of the inline payload.
func (d *InlineData) DecodeAudio() ([]byte, error) {
	if d == nil || d.Data == "" {
		return nil, fmt.Errorf("inline data is empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode inline audio: %w", err)
	}

	return decoded, nil
}

// ParseServerMessage decodes a text frame from Gemini. Malformed JSON yields
// an error; the relay ignores such frames.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed server message: %w", err)
	}
	return &msg, nil
}

// IsSetupComplete reports whether the message acknowledges the setup
// handshake. Presence of the field is the signal; its value is irrelevant.
func (m *ServerMessage) IsSetupComplete() bool {
	return fieldPresent(m.SetupComplete)
}

// ErrorDetails returns the upstream-reported error detail, preferring the
// error field over rpcStatus, or nil when the message carries neither.
func (m *ServerMessage) ErrorDetails() json.RawMessage {
	if fieldPresent(m.Error) {
		return m.Error
	}
	if fieldPresent(m.RPCStatus) {
		return m.RPCStatus
	}
	return nil
}

// fieldPresent reports whether a raw JSON field was present and non-null.
func fieldPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
