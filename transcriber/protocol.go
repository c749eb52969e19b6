package transcriber

import (
	"encoding/json"
	"fmt"
	"strings"

	"nasikh/audio"
	"nasikh/transcript"
)

const (
	sonioxURL   = "wss://stt-rt.soniox.com/transcribe-websocket"
	sonioxModel = "stt-rt-preview"
)

// Protocol translates between the stream and one service's wire format.
type Protocol interface {
	Name() string
	DefaultURL() string
	Handshake(credential, language string) ([]byte, error)
	// Decode turns one text message into transcript events. A service error
	// comes back wrapped in ErrAuthRejected or ErrConnectionFailed.
	Decode(msg []byte) (events []transcript.Event, finished bool, err error)
}

// errMalformed marks messages that could not be parsed; they are skipped.
type errMalformed struct{ err error }

func (e errMalformed) Error() string { return "malformed message: " + e.err.Error() }
func (e errMalformed) Unwrap() error { return e.err }

func NewProtocol(name, model string) (Protocol, error) {
	switch name {
	case "", "generic":
		return genericProtocol{}, nil
	case "soniox":
		if model == "" {
			model = sonioxModel
		}
		return sonioxProtocol{model: model}, nil
	default:
		return nil, fmt.Errorf("unknown recognizer protocol %q", name)
	}
}

// authClose reports whether a websocket close code signals a rejected
// credential.
func authClose(code int) bool {
	return code == 4001 || code == 4003
}

func serviceErr(code int, msg string) error {
	if msg == "" {
		msg = "unknown error"
	}
	if code == 401 || code == 403 {
		return fmt.Errorf("%w: %d %s", ErrAuthRejected, code, msg)
	}
	return fmt.Errorf("%w: service error %d: %s", ErrConnectionFailed, code, msg)
}

type genericProtocol struct{}

type genericHandshake struct {
	Credential   string `json:"credential"`
	SampleRateHz int    `json:"sampleRateHz"`
	Encoding     string `json:"encoding"`
	Language     string `json:"language"`
}

type genericResult struct {
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
	Code       int      `json:"code,omitempty"`
}

func (genericProtocol) Name() string       { return "generic" }
func (genericProtocol) DefaultURL() string { return "" }

func (genericProtocol) Handshake(credential, language string) ([]byte, error) {
	return json.Marshal(genericHandshake{
		Credential:   credential,
		SampleRateHz: audio.SampleRate,
		Encoding:     "LINEAR16",
		Language:     language,
	})
}

func (genericProtocol) Decode(msg []byte) ([]transcript.Event, bool, error) {
	var r genericResult
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, false, errMalformed{err}
	}
	if r.Error != "" || r.Code != 0 {
		return nil, false, serviceErr(r.Code, r.Error)
	}
	ev := transcript.Event{Text: r.Text, IsFinal: r.IsFinal}
	if r.Confidence != nil {
		ev.Confidence = *r.Confidence
	}
	return []transcript.Event{ev}, false, nil
}

type sonioxProtocol struct {
	model string
}

type sonioxHandshake struct {
	APIKey        string   `json:"api_key"`
	Model         string   `json:"model"`
	AudioFormat   string   `json:"audio_format"`
	SampleRate    int      `json:"sample_rate"`
	NumChannels   int      `json:"num_channels"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

type sonioxToken struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    *int          `json:"error_code"`
	ErrorMessage *string       `json:"error_message"`
}

func (sonioxProtocol) Name() string       { return "soniox" }
func (sonioxProtocol) DefaultURL() string { return sonioxURL }

func (p sonioxProtocol) Handshake(credential, language string) ([]byte, error) {
	h := sonioxHandshake{
		APIKey:      credential,
		Model:       p.model,
		AudioFormat: "pcm_s16le",
		SampleRate:  audio.SampleRate,
		NumChannels: audio.Channels,
	}
	if language != "" {
		h.LanguageHints = strings.Split(language, ",")
	}
	return json.Marshal(h)
}

// Decode emits final tokens as one committed event, then the remaining
// non-final tokens as the current interim window.
func (sonioxProtocol) Decode(msg []byte) ([]transcript.Event, bool, error) {
	var r sonioxResponse
	if err := json.Unmarshal(msg, &r); err != nil {
		return nil, false, errMalformed{err}
	}
	if r.ErrorCode != nil || r.ErrorMessage != nil {
		code, text := 0, ""
		if r.ErrorCode != nil {
			code = *r.ErrorCode
		}
		if r.ErrorMessage != nil {
			text = *r.ErrorMessage
		}
		return nil, false, serviceErr(code, text)
	}

	var final, interim strings.Builder
	var conf float64
	var nFinal int
	for _, tok := range r.Tokens {
		if tok.IsFinal {
			final.WriteString(tok.Text)
			conf += tok.Confidence
			nFinal++
		} else {
			interim.WriteString(tok.Text)
		}
	}

	var events []transcript.Event
	if nFinal > 0 {
		events = append(events, transcript.Event{Text: final.String(), IsFinal: true, Confidence: conf / float64(nFinal)})
	}
	if interim.Len() > 0 {
		events = append(events, transcript.Event{Text: interim.String()})
	}
	return events, r.Finished, nil
}
