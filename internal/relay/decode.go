package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/sse"
)

var (
	// ErrStreamDecode marks a malformed event line. Decoder skips these
	// lines; the error is only reported through Skipped.
	ErrStreamDecode = errors.New("malformed relay event")
	// ErrTruncated is returned when the transport ends before a terminal
	// event arrived.
	ErrTruncated = errors.New("relay stream ended without a terminal event")
)

// Decoder turns a relay response body into typed events. It is lazy,
// finite and not restartable: after a terminal event, or after the body
// ends, Next keeps returning io.EOF (or ErrTruncated).
type Decoder struct {
	src     *sse.Reader
	done    bool
	err     error
	skipped int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{src: sse.NewReader(r)}
}

// Next returns the next event. Unparsable lines are skipped. It returns
// io.EOF after the terminal event and ErrTruncated if the body ends first.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, d.err
	}
	for {
		payload, err := d.src.Next()
		if err != nil {
			d.done = true
			if errors.Is(err, io.EOF) {
				d.err = ErrTruncated
			} else {
				d.err = fmt.Errorf("read relay stream: %w", err)
			}
			return Event{}, d.err
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			d.skipped++
			log.Debug().Err(fmt.Errorf("%w: %w", ErrStreamDecode, err)).Int("bytes", len(payload)).Msg("skipping relay line")
			continue
		}
		if ev.Terminal() {
			d.done = true
			d.err = io.EOF
		}
		return ev, nil
	}
}

// Skipped reports how many malformed lines were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// All ranges over the remaining events. A non-nil error is yielded once,
// last, when the stream is truncated or the transport fails.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
