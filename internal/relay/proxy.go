package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/metrics"
)

// DefaultTimeout bounds one upstream generation.
const DefaultTimeout = 120 * time.Second

// EmitFunc delivers one event downstream. An error means the receiver is
// gone and the turn is abandoned.
type EmitFunc func(Event) error

// Proxy normalizes an Upstream into the Relay Event protocol. It holds no
// per-request state, so one Proxy serves concurrent requests.
type Proxy struct {
	upstream Upstream
	timeout  time.Duration
}

func NewProxy(upstream Upstream, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{upstream: upstream, timeout: timeout}
}

// Relay runs one streamed generation. Unless emit itself fails, exactly one
// terminal event is emitted and it is the last one. The returned error
// classifies a failed turn; it is nil when finished was emitted.
func (p *Proxy) Relay(ctx context.Context, req Request, emit EmitFunc) error {
	route := req.Route()
	start := time.Now()
	outcome := "finished"
	defer func() {
		metrics.RelayTurnsTotal.WithLabelValues(route, outcome).Inc()
		metrics.RelayDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	fail := func(cause error) error {
		outcome = outcomeOf(cause)
		log.Warn().Err(cause).Str("upstream", p.upstream.Name()).Str("route", route).Msg("relay turn failed")
		if err := emit(ErrorEvent(p.message(cause))); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log.Debug().Str("upstream", p.upstream.Name()).Str("route", route).Int("prompt_len", len(req.Prompt)).
		Int("context_len", len(req.Context)).Msg("relay turn started")

	stream, err := p.upstream.Stream(ctx, req)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	var carry []byte
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		var text []byte
		text, carry = splitComplete(append(carry, chunk...))
		if len(text) == 0 {
			continue
		}
		if err := emit(TokenEvent(string(text))); err != nil {
			outcome = "abandoned"
			return err
		}
		metrics.RelayChunksTotal.WithLabelValues(route).Inc()
	}

	// A dangling partial rune at end of stream is emitted as-is and becomes
	// U+FFFD on the wire.
	if len(carry) > 0 {
		if err := emit(TokenEvent(string(carry))); err != nil {
			outcome = "abandoned"
			return err
		}
		metrics.RelayChunksTotal.WithLabelValues(route).Inc()
	}
	if err := emit(FinishedEvent()); err != nil {
		outcome = "abandoned"
		return err
	}
	return nil
}

// Complete runs one non-streaming generation.
func (p *Proxy) Complete(ctx context.Context, req Request) (*Completion, error) {
	route := req.Route()
	start := time.Now()
	outcome := "finished"
	defer func() {
		metrics.RelayTurnsTotal.WithLabelValues(route, outcome).Inc()
		metrics.RelayDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(); err != nil {
		outcome = outcomeOf(err)
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.upstream.Complete(ctx, req)
	if err != nil {
		outcome = outcomeOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, p.message(err))
		}
		return nil, err
	}
	return out, nil
}

// message is the text carried by an error event. Transport internals and
// credentials stay in the server log.
func (p *Proxy) message(err error) string {
	var upErr *UpstreamError
	switch {
	case errors.Is(err, ErrAuthenticationMissing):
		return "API key not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("upstream did not finish within %s", p.timeout)
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.As(err, &upErr):
		return upErr.Error()
	}
	return err.Error()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationMissing):
		return "auth_missing"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "abandoned"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	}
	return "upstream_error"
}

// splitComplete returns the longest prefix of b that does not end inside a
// multi-byte rune, and the incomplete tail to prepend to the next chunk.
func splitComplete(b []byte) (complete, rest []byte) {
	limit := max(len(b)-utf8.UTFMax, 0)
	for i := len(b) - 1; i >= limit; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], append([]byte(nil), b[i:]...)
	}
	return b, nil
}
