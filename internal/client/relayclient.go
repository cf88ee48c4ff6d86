package client

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/go-resty/resty/v2"

	"lucasmed.com/chat-engine/internal/httpclient"
	"lucasmed.com/chat-engine/internal/relay"
)

// EventStream is one open relay response.
type EventStream interface {
	All() iter.Seq2[relay.Event, error]
	Close() error
}

// Relayer opens a streamed generation turn.
type Relayer interface {
	Stream(ctx context.Context, req relay.Request) (EventStream, error)
}

// RelayClient calls the server's streaming chat endpoint.
type RelayClient struct {
	client *resty.Client
}

func NewRelayClient(baseURL, token string, httpClient *http.Client) *RelayClient {
	client := httpclient.New("relay", baseURL, httpClient).
		SetHeader("Accept", "text/event-stream")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &RelayClient{client: client}
}

type httpEventStream struct {
	*relay.Decoder
	body io.ReadCloser
}

func (s *httpEventStream) Close() error { return s.body.Close() }

// Stream posts req and returns the decoded event sequence. Cancelling ctx
// aborts the read.
func (c *RelayClient) Stream(ctx context.Context, req relay.Request) (EventStream, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/api/chat/stream")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, httpclient.ErrorMessage(resp))
	}
	body := resp.RawBody()
	return &httpEventStream{Decoder: relay.NewDecoder(body), body: body}, nil
}
