package gpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/time/rate"
)

// FileState is the processing state reported for an uploaded file.
type FileState string

const (
	FileProcessing FileState = "processing"
	FileActive     FileState = "active"
	FileFailed     FileState = "failed"
)

// File is a handle to media uploaded to the model provider.
type File struct {
	URI       string
	Name      string
	MimeType  string
	State     FileState
	SizeBytes int64
	Detail    string
}

type Client struct {
	openAI  *openai.Client
	model   string
	limiter *rate.Limiter
}

type Options struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerMinute int
	HTTPClient        *http.Client
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4o
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	return &Client{
		openAI:  openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.WrapUnavailable("ai rate limiter", err)
	}
	return nil
}

// classify maps provider failures onto the pipeline taxonomy:
// throttling, 5xx and timeouts are transient, other 4xx are permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == 0:
		return common.WrapUnavailable(op, err)
	default:
		return common.Permanent(op, err)
	}
}

func toFile(f openai.File, mimeType string) *File {
	state := FileProcessing
	switch f.Status {
	case "processed":
		state = FileActive
	case "error":
		state = FileFailed
	}
	return &File{
		URI:       f.ID,
		Name:      f.FileName,
		MimeType:  mimeType,
		State:     state,
		SizeBytes: int64(f.Bytes),
		Detail:    f.StatusDetails,
	}
}

// Upload sends media bytes to the provider and returns the initial handle.
func (c *Client) Upload(ctx context.Context, name, mimeType string, data []byte) (*File, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	f, err := c.openAI.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return nil, classify("upload media", err)
	}
	slog.Info("media uploaded to AI provider", "file_id", f.ID, "name", name, "size_bytes", len(data), "status", f.Status)
	return toFile(f, mimeType), nil
}

// GetFile refreshes the processing state of an uploaded file.
func (c *Client) GetFile(ctx context.Context, uri string) (*File, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	f, err := c.openAI.GetFile(ctx, uri)
	if err != nil {
		return nil, classify("get uploaded media", err)
	}
	return toFile(f, ""), nil
}

func (c *Client) DeleteFile(ctx context.Context, uri string) error {
	if err := c.openAI.DeleteFile(ctx, uri); err != nil {
		return classify("delete uploaded media", err)
	}
	return nil
}

// GenerateStructured asks the model for output constrained by schema and returns the raw text.
func (c *Client) GenerateStructured(ctx context.Context, file *File, prompt, schemaName string, schema jsonschema.Definition) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()

	resp, err := c.openAI.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("Analyze the interview recording in uploaded file %s (%s, %s).", file.URI, file.Name, file.MimeType),
				}},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: &schema,
				Strict: true,
			},
		},
		MaxTokens: 4000,
	})
	if err != nil {
		slog.Error("OpenAI API error", "error", err, "model", c.model, "file_id", file.URI)
		return "", classify("generate analysis", err)
	}
	if len(resp.Choices) == 0 {
		return "", common.Permanent("generate analysis", errors.New("no choices in response"))
	}

	content := resp.Choices[0].Message.Content
	slog.Info("received response from OpenAI",
		"model", resp.Model,
		"file_id", file.URI,
		"tokens_used", resp.Usage.TotalTokens,
		"response_length", len(content),
		"duration_ms", time.Since(start).Milliseconds())
	return content, nil
}
