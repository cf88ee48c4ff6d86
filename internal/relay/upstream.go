package relay

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationMissing means no provider credential is configured.
	// It is raised before any upstream call is attempted.
	ErrAuthenticationMissing = errors.New("upstream credential not configured")
	// ErrUpstreamUnavailable covers connect failures and non-success statuses.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidRequest      = errors.New("invalid relay request")
)

// Request is the relay input. Context is an opaque, caller-assembled
// serialization of recent turns.
type Request struct {
	Prompt       string `json:"prompt"`
	Context      string `json:"context"`
	ImageDataURI string `json:"imageDataUri,omitempty"`
}

func (r Request) HasImage() bool {
	return r.ImageDataURI != ""
}

// Route names the upstream shape a request is sent to.
func (r Request) Route() string {
	if r.HasImage() {
		return "image"
	}
	return "text"
}

func (r Request) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}

// Completion is the non-streaming relay response.
type Completion struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	Success    bool   `json:"success"`
}

// ChunkStream iterates the raw output of one upstream generation. Next
// returns io.EOF after the last chunk.
type ChunkStream interface {
	Next() ([]byte, error)
	Close() error
}

// Upstream is a text/image generation provider.
type Upstream interface {
	Name() string
	Stream(ctx context.Context, req Request) (ChunkStream, error)
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// UpstreamError is a provider failure with the message it reported.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstreamUnavailable, e.Err}
	}
	return []error{ErrUpstreamUnavailable}
}
