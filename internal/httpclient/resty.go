// Package httpclient builds the resty clients used to reach the inference
// service and the chat server.
package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 * 1024

// New returns a resty client rooted at baseURL. A nil httpClient gets
// resty's default transport. No client-level timeout is set, so streamed
// calls are bounded by their request context only.
func New(name, baseURL string, httpClient *http.Client) *resty.Client {
	c := resty.New()
	if httpClient != nil {
		c = resty.NewWithClient(httpClient)
	}
	c.SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetLogger(restyLogger{log.With().Str("client", name).Logger()})

	c.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		log.Debug().
			Str("client", name).
			Int("status", r.StatusCode()).
			Str("method", r.Request.Method).
			Str("url", r.Request.URL).
			Dur("latency", r.Time()).
			Msg("HTTP client request")
		return nil
	})
	return c
}

// ErrorPayload is the {"error": "..."} body both the chat server and the
// inference service answer failures with.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ErrorMessage extracts the failure text of an error response. It reads the
// raw body when the request was sent with SetDoNotParseResponse, and falls
// back to "HTTP <code>: <status text>".
func ErrorMessage(resp *resty.Response) string {
	if payload, ok := resp.Error().(*ErrorPayload); ok && payload.Error != "" {
		return payload.Error
	}
	raw := resp.Body()
	if raw == nil && resp.RawResponse != nil && resp.RawResponse.Body != nil {
		raw, _ = io.ReadAll(io.LimitReader(resp.RawResponse.Body, maxErrorBody))
		resp.RawResponse.Body.Close()
	}
	var payload ErrorPayload
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), http.StatusText(resp.StatusCode()))
}

// restyLogger routes resty's own warnings into zerolog.
type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug().Msgf(format, v...) }
