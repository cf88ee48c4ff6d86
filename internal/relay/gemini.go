package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel = "gemini-1.5-flash-latest"

	medicalSystemInstruction = "You are a careful medical assistant. Answer clearly and concisely, " +
		"use the prior conversation when it is relevant, and recommend seeing a professional " +
		"when a question needs an in-person examination."
)

// Gemini serves relay requests from the Gemini API. It is the alternate
// upstream when MedGemma is not deployed.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the SDK client. An empty apiKey is accepted; every call
// then fails with ErrAuthenticationMissing. opts are passed to the SDK after
// the key, e.g. to point it at another endpoint.
func NewGemini(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Gemini, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	g := &Gemini{model: model}
	if apiKey == "" {
		return g, nil
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return g, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing GenAI client")
	}
}

func (g *Gemini) generativeModel() *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(medicalSystemInstruction)},
	}
	return model
}

func (g *Gemini) parts(req Request) ([]genai.Part, error) {
	var parts []genai.Part
	if req.HasImage() {
		blob, err := parseDataURI(req.ImageDataURI)
		if err != nil {
			return nil, err
		}
		parts = append(parts, blob)
	}
	text := req.Prompt
	if req.Context != "" {
		text = "Conversation so far:\n" + req.Context + "\n\nQuestion: " + req.Prompt
	}
	return append(parts, genai.Text(text)), nil
}

func (g *Gemini) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	if g.client == nil {
		return nil, ErrAuthenticationMissing
	}
	parts, err := g.parts(req)
	if err != nil {
		return nil, err
	}
	it := g.generativeModel().GenerateContentStream(ctx, parts...)
	return &geminiStream{ctx: ctx, it: it}, nil
}

func (g *Gemini) Complete(ctx context.Context, req Request) (*Completion, error) {
	if g.client == nil {
		return nil, ErrAuthenticationMissing
	}
	parts, err := g.parts(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.generativeModel().GenerateContent(ctx, parts...)
	if err != nil {
		return nil, geminiError(ctx, err)
	}
	out := &Completion{Response: responseText(resp), Success: true}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if out.Response == "" {
		out.Success = false
	}
	return out, nil
}

type geminiStream struct {
	ctx context.Context
	it  *genai.GenerateContentResponseIterator
}

func (s *geminiStream) Next() ([]byte, error) {
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, geminiError(s.ctx, err)
		}
		// Candidates without text parts (safety metadata, usage) are skipped.
		if text := responseText(resp); text != "" {
			return []byte(text), nil
		}
	}
}

func (s *geminiStream) Close() error { return nil }

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func geminiError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &UpstreamError{Message: "gemini request failed: " + err.Error(), Err: err}
}

// parseDataURI decodes a base64 `data:<mime>;base64,<payload>` URI.
func parseDataURI(uri string) (genai.Blob, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return genai.Blob{}, fmt.Errorf("%w: image must be a data URI", ErrInvalidRequest)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return genai.Blob{}, fmt.Errorf("%w: malformed data URI", ErrInvalidRequest)
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if mime == "" {
		mime = "application/octet-stream"
	}
	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return genai.Blob{}, fmt.Errorf("%w: data URI payload: %w", ErrInvalidRequest, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return genai.Blob{}, fmt.Errorf("%w: data URI payload: %w", ErrInvalidRequest, err)
		}
		data = []byte(unescaped)
	}
	return genai.Blob{MIMEType: mime, Data: data}, nil
}
