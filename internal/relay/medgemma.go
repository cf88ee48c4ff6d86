package relay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"

	"lucasmed.com/chat-engine/internal/httpclient"
)

const (
	textStreamPath  = "/api/process-text-stream"
	imageStreamPath = "/api/process-image-stream"
	textPath        = "/api/process-text"
	imagePath       = "/api/process-image"

	chunkSize = 4096
)

// MedGemma talks to the MedGemma inference service. The text and image
// routes take different bodies; both stream raw UTF-8 text.
type MedGemma struct {
	client *resty.Client
	apiKey string
}

// NewMedGemma creates a client for baseURL. httpClient may be nil.
func NewMedGemma(baseURL, apiKey string, httpClient *http.Client) *MedGemma {
	client := httpclient.New("medgemma", baseURL, httpClient)
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	return &MedGemma{client: client, apiKey: apiKey}
}

func (m *MedGemma) Name() string { return "medgemma" }

type textBody struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
}

type imageBody struct {
	ImageDataURI string `json:"imageDataUri"`
	Prompt       string `json:"prompt"`
	Context      string `json:"context,omitempty"`
}

func requestBody(req Request) any {
	if req.HasImage() {
		return imageBody{ImageDataURI: req.ImageDataURI, Prompt: req.Prompt, Context: req.Context}
	}
	return textBody{Prompt: req.Prompt, Context: req.Context}
}

func (m *MedGemma) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	if m.apiKey == "" {
		return nil, ErrAuthenticationMissing
	}
	path := textStreamPath
	if req.HasImage() {
		path = imageStreamPath
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(requestBody(req)).
		SetDoNotParseResponse(true).
		Post(path)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, &UpstreamError{Status: resp.StatusCode(), Message: httpclient.ErrorMessage(resp)}
	}
	if resp.RawResponse == nil || resp.RawResponse.Body == nil {
		return nil, &UpstreamError{Status: resp.StatusCode(), Message: "empty upstream response"}
	}
	return &bodyStream{body: resp.RawBody(), buf: make([]byte, chunkSize)}, nil
}

func (m *MedGemma) Complete(ctx context.Context, req Request) (*Completion, error) {
	if m.apiKey == "" {
		return nil, ErrAuthenticationMissing
	}
	path := textPath
	if req.HasImage() {
		path = imagePath
	}

	var out Completion
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(requestBody(req)).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&httpclient.ErrorPayload{}).
		Post(path)
	if err != nil {
		if resp != nil && resp.IsSuccess() {
			return nil, &UpstreamError{Status: resp.StatusCode(), Message: "invalid upstream response", Err: err}
		}
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, &UpstreamError{Status: resp.StatusCode(), Message: httpclient.ErrorMessage(resp)}
	}
	return &out, nil
}

// transportError reports a request that never got a response. A cancelled
// or expired ctx is returned as is.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &UpstreamError{Message: "upstream connection failed", Err: err}
}

// bodyStream hands out whatever each Read returns, one chunk per call.
type bodyStream struct {
	body io.ReadCloser
	buf  []byte
}

func (s *bodyStream) Next() ([]byte, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &UpstreamError{Message: "upstream stream interrupted", Err: err}
		}
	}
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}
