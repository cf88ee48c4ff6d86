package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the three Relay Event shapes.
type Kind int

const (
	KindToken Kind = iota
	KindFinished
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindFinished:
		return "finished"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one unit of the relay protocol. Exactly one terminal event
// (finished or error) ends every sequence.
type Event struct {
	Kind  Kind
	Token string
	Error string
}

func TokenEvent(text string) Event { return Event{Kind: KindToken, Token: text} }
func FinishedEvent() Event         { return Event{Kind: KindFinished} }
func ErrorEvent(msg string) Event  { return Event{Kind: KindError, Error: msg} }

func (e Event) Terminal() bool {
	return e.Kind == KindFinished || e.Kind == KindError
}

type wireEvent struct {
	Token    *string `json:"token,omitempty"`
	Finished *bool   `json:"finished,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// MarshalJSON produces {"token":..,"finished":false}, {"finished":true} or
// {"error":..}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindToken:
		f := false
		return json.Marshal(wireEvent{Token: &e.Token, Finished: &f})
	case KindFinished:
		f := true
		return json.Marshal(wireEvent{Finished: &f})
	case KindError:
		return json.Marshal(wireEvent{Error: &e.Error})
	}
	return nil, fmt.Errorf("unknown event kind %d", int(e.Kind))
}

var errUnrecognizedEvent = errors.New("unrecognized relay event")

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Error != nil:
		*e = ErrorEvent(*w.Error)
	case w.Finished != nil && *w.Finished:
		*e = FinishedEvent()
	case w.Token != nil:
		*e = TokenEvent(*w.Token)
	default:
		return errUnrecognizedEvent
	}
	return nil
}
