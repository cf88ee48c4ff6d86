// Package storeclient reaches a conversation log served by the API over
// HTTP. It satisfies client.MessageStore, so a terminal Session can run
// against a remote server exactly as it does against a local store.
package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"lucasmed.com/chat-engine/internal/api"
	"lucasmed.com/chat-engine/internal/httpclient"
	"lucasmed.com/chat-engine/internal/pagination"
	"lucasmed.com/chat-engine/internal/sse"
	"lucasmed.com/chat-engine/internal/store"
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("server rejected the access token")

type Client struct {
	client *resty.Client
	// maxReconnectWait caps the pause between live-tail reconnects.
	maxReconnectWait time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	client := httpclient.New("store", baseURL, httpClient)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{
		client:           client,
		maxReconnectWait: 10 * time.Second,
	}
}

// statusError maps a failed response onto the store's error vocabulary so
// callers can tell a rejected draft from a transient failure.
func statusError(resp *resty.Response) error {
	msg := httpclient.ErrorMessage(resp)
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode() == http.StatusBadRequest && msg == store.ErrEmptyText.Error():
		return fmt.Errorf("%w: %w", store.ErrPersistence, store.ErrEmptyText)
	case resp.StatusCode() == http.StatusBadRequest && msg == store.ErrBadSender.Error():
		return fmt.Errorf("%w: %w", store.ErrPersistence, store.ErrBadSender)
	}
	return fmt.Errorf("%w: HTTP %d: %s", store.ErrPersistence, resp.StatusCode(), msg)
}

// Append posts draft. Drafts with a ClientKey may be re-sent after a lost
// response; the server answers with the message it already stored.
func (c *Client) Append(ctx context.Context, conversationID string, draft store.Draft) (*store.Message, error) {
	var msg store.Message
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("conversation", conversationID).
		SetBody(draft).
		SetResult(&msg).
		SetError(&httpclient.ErrorPayload{}).
		Post("/api/messages")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrPersistence, err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, statusError(resp)
	}
	return &msg, nil
}

func (c *Client) Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (*store.Page, error) {
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conversation": conversationID,
			"limit":        strconv.Itoa(limit),
		})
	if token := pagination.Encode(cursor); token != "" {
		req.SetQueryParam("cursor", token)
	}

	var body api.PageResponse
	resp, err := req.
		SetResult(&body).
		SetError(&httpclient.ErrorPayload{}).
		Get("/api/messages")
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}

	next, err := pagination.Decode(body.NextCursor)
	if err != nil {
		return nil, err
	}
	return &store.Page{Items: body.Items, NextCursor: next}, nil
}

// SubscribeHead follows the server's live tail. A dropped connection is
// reported as a Snapshot with Err set and re-established with exponential
// backoff until ctx is done; the channel is closed then.
func (c *Client) SubscribeHead(ctx context.Context, conversationID string, limit int) (<-chan store.Snapshot, error) {
	if limit <= 0 || limit > store.MaxPageSize {
		return nil, store.ErrBadLimit
	}
	out := make(chan store.Snapshot, 1)

	go func() {
		defer close(out)

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min(b.InitialInterval, c.maxReconnectWait)
		b.MaxInterval = c.maxReconnectWait
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(b, ctx)

		for {
			delivered, err := c.follow(ctx, conversationID, limit, out)
			if ctx.Err() != nil {
				return
			}
			if delivered {
				policy.Reset()
			}
			if errors.Is(err, ErrUnauthorized) {
				log.Error().Err(err).Msg("live tail stopped")
				send(ctx, out, store.Snapshot{Err: err})
				return
			}
			log.Warn().Err(err).Str("conversation", conversationID).Msg("live tail disconnected, reconnecting")
			if !send(ctx, out, store.Snapshot{Err: err}) {
				return
			}

			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- store.Snapshot, snap store.Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// follow holds one live connection open and forwards its frames. It always
// returns a non-nil error; delivered reports whether any frame arrived.
func (c *Client) follow(ctx context.Context, conversationID string, limit int, out chan<- store.Snapshot) (delivered bool, err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetQueryParams(map[string]string{
			"conversation": conversationID,
			"limit":        strconv.Itoa(limit),
		}).
		SetDoNotParseResponse(true).
		Get("/api/messages/live")
	if err != nil {
		return false, fmt.Errorf("connecting live tail: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, statusError(resp)
	}
	body := resp.RawBody()
	defer body.Close()

	frames := sse.NewReader(body)
	for {
		payload, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return delivered, fmt.Errorf("reading live tail: %w", err)
		}

		var frame api.LiveFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Debug().Err(err).Msg("skipping malformed live frame")
			continue
		}
		snap := store.Snapshot{Items: frame.Items, HasMore: frame.HasMore}
		if frame.Error != "" {
			snap = store.Snapshot{Err: fmt.Errorf("%w: %s", store.ErrPersistence, frame.Error)}
		}
		if !send(ctx, out, snap) {
			return delivered, ctx.Err()
		}
		delivered = true
	}
}
