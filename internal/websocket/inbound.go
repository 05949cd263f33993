package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/validator"
)

var (
	// ErrMalformed is returned when a frame is not a JSON envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalidPayload is returned when a known message carries a bad payload.
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Inbound is a decoded server frame. The concrete types below are the only
// implementations.
type Inbound interface {
	Kind() MessageType
	inbound()
}

type (
	AuthSuccess         struct{ AuthSuccessData }
	AssessmentStarted   struct{ AssessmentStartedData }
	AssessmentRecovered struct{ AssessmentRecoveredData }
	Question            struct{ QuestionData }
	AnswerFeedback      struct{ AnswerFeedbackData }
	ProgressUpdate      struct{ ProgressUpdateData }
	AssessmentCompleted struct{ Data json.RawMessage }
	ServerError         struct{ ErrorData }
	SystemMessage       struct{ SystemMessageData }
	Pong                struct{}
	TestInfo            struct{ Data json.RawMessage }
	// Unknown carries a type this client does not understand.
	Unknown struct{ Type MessageType }
)

func (AuthSuccess) Kind() MessageType         { return TypeAuthSuccess }
func (AssessmentStarted) Kind() MessageType   { return TypeAssessmentStarted }
func (AssessmentRecovered) Kind() MessageType { return TypeAssessmentRecovered }
func (Question) Kind() MessageType            { return TypeQuestion }
func (AnswerFeedback) Kind() MessageType      { return TypeAnswerFeedback }
func (ProgressUpdate) Kind() MessageType      { return TypeProgressUpdate }
func (AssessmentCompleted) Kind() MessageType { return TypeAssessmentCompleted }
func (ServerError) Kind() MessageType         { return TypeError }
func (SystemMessage) Kind() MessageType       { return TypeSystemMessage }
func (Pong) Kind() MessageType                { return TypePong }
func (TestInfo) Kind() MessageType            { return TypeTestInfo }
func (u Unknown) Kind() MessageType           { return u.Type }

func (AuthSuccess) inbound()         {}
func (AssessmentStarted) inbound()   {}
func (AssessmentRecovered) inbound() {}
func (Question) inbound()            {}
func (AnswerFeedback) inbound()      {}
func (ProgressUpdate) inbound()      {}
func (AssessmentCompleted) inbound() {}
func (ServerError) inbound()         {}
func (SystemMessage) inbound()       {}
func (Pong) inbound()                {}
func (TestInfo) inbound()            {}
func (Unknown) inbound()             {}

// Decode parses a raw frame into its typed form. Errors wrap ErrMalformed
// when the envelope itself is unreadable and ErrInvalidPayload when the
// payload of a known type is.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypeAuthSuccess:
		var d AuthSuccessData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return AuthSuccess{d}, nil
	case TypeAssessmentStarted:
		var d AssessmentStartedData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return AssessmentStarted{d}, nil
	case TypeAssessmentRecovered:
		var d AssessmentRecoveredData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return AssessmentRecovered{d}, nil
	case TypeQuestion:
		var d QuestionData
		if err := decodeValid(env, &d); err != nil {
			return nil, err
		}
		return Question{d}, nil
	case TypeAnswerFeedback:
		var d AnswerFeedbackData
		if err := decodeValid(env, &d); err != nil {
			return nil, err
		}
		return AnswerFeedback{d}, nil
	case TypeProgressUpdate:
		var d ProgressUpdateData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return ProgressUpdate{d}, nil
	case TypeAssessmentCompleted:
		return AssessmentCompleted{Data: env.Data}, nil
	case TypeError:
		var d ErrorData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.Error == "" {
			d.Error = env.Error
		}
		return ServerError{d}, nil
	case TypeSystemMessage:
		var d SystemMessageData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		return SystemMessage{d}, nil
	case TypePong:
		return Pong{}, nil
	case TypeTestInfo:
		return TestInfo{Data: env.Data}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func decodeData(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}

// decodeValid decodes and then checks the payload's validate tags.
func decodeValid(env Envelope, dst interface{}) error {
	if err := decodeData(env, dst); err != nil {
		return err
	}
	if err := validator.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}

// ParseOption splits a wire option such as "A. Paris" into its identifier
// and text. Identifiers are one or two characters; strings without the
// ". " separator keep their first character as the identifier.
func ParseOption(raw string) model.Option {
	if i := strings.Index(raw, ". "); i > 0 && i <= 2 {
		return model.Option{OptionID: raw[:i], Text: raw[i+2:]}
	}
	r := []rune(raw)
	if len(r) == 0 {
		return model.Option{}
	}
	opt := model.Option{OptionID: string(r[0])}
	if len(r) > 2 {
		opt.Text = string(r[2:])
	}
	return opt
}

// ParseOptions applies ParseOption to every entry.
func ParseOptions(raw []string) []model.Option {
	out := make([]model.Option, 0, len(raw))
	for _, o := range raw {
		out = append(out, ParseOption(o))
	}
	return out
}

// FormatOption is the inverse of ParseOption.
func FormatOption(o model.Option) string {
	return o.OptionID + ". " + o.Text
}
