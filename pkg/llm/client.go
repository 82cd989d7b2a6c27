package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/zeromicro/go-zero/core/logx"
)

// LLMClient is the capability consumers depend on, so tests can substitute
// a fake for the real endpoint.
type LLMClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStructured(ctx context.Context, req *ChatRequest, target interface{}) (interface{}, error)
	GetConfig() *Config
	Close() error
}

// Client performs chat completions against an OpenAI-compatible endpoint.
type Client struct {
	config     *Config
	api        *openai.Client
	retry      *RetryHandler
	httpClient *http.Client
}

// ClientOption configures optional client behaviour.
type ClientOption func(*clientOptions)

type clientOptions struct {
	retry      *RetryHandler
	httpClient *http.Client
	api        *openai.Client
}

// WithRetryHandler injects a custom retry handler.
func WithRetryHandler(handler *RetryHandler) ClientOption {
	return func(o *clientOptions) { o.retry = handler }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = client }
}

// WithOpenAIClient injects a pre-configured OpenAI client (primarily for
// testing).
func WithOpenAIClient(client *openai.Client) ClientOption {
	return func(o *clientOptions) { o.api = client }
}

// NewClient constructs a client from the provided configuration. The config
// is cloned, so later mutations by the caller do not leak in.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config cannot be nil")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		o.retry = NewRetryHandler(RetryConfig{MaxRetries: cfg.MaxRetries})
	}
	if o.api == nil {
		o.api = buildAPIClient(cfg, o.httpClient)
	}

	return &Client{
		config:     cfg,
		api:        o.api,
		retry:      o.retry,
		httpClient: o.httpClient,
	}, nil
}

func buildAPIClient(cfg *Config, httpClient *http.Client) *openai.Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}
	api := openai.NewClient(reqOpts...)
	return &api
}

// Chat performs a single synchronous completion request.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil {
		return nil, errors.New("llm: request cannot be nil")
	}
	params, modelID, err := c.chatParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	completion, err := c.complete(ctx, params, modelID)
	if err != nil {
		return nil, err
	}

	result := fromCompletion(completion)
	logx.WithContext(ctx).Infof("llm: chat success model=%s duration_ms=%d prompt_tokens=%d completion_tokens=%d",
		modelID, time.Since(start).Milliseconds(), result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// complete issues the wire call under the retry policy.
func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams, modelID string) (*openai.ChatCompletion, error) {
	var completion *openai.ChatCompletion
	err := c.retry.Do(ctx, func() error {
		resp, callErr := c.api.Chat.Completions.New(ctx, params)
		if callErr != nil {
			logx.WithContext(ctx).Errorf("llm: chat completion model=%s err=%v", modelID, callErr)
			return callErr
		}
		completion = resp
		return nil
	})
	return completion, err
}

// ChatStructured enforces structured output using a JSON schema generated
// from target's type and decodes the result into target.
func (c *Client) ChatStructured(ctx context.Context, req *ChatRequest, target interface{}) (interface{}, error) {
	if target == nil {
		return nil, errors.New("llm: structured target cannot be nil")
	}
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, errors.New("llm: structured target must be a pointer")
	}

	format, err := structuredFormat(target)
	if err != nil {
		return nil, err
	}

	structuredReq := *req
	structuredReq.ResponseFormat = format
	resp, err := c.Chat(ctx, &structuredReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm: empty structured response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := ParseStructured(content, target); err != nil {
		logx.WithContext(ctx).Errorf("llm: parse structured response model=%s err=%v", resp.Model, err)
		return nil, err
	}
	return target, nil
}

// GetConfig returns a copy of the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config.Clone()
}

// Close releases resources associated with the client.
func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// structuredFormat builds a strict json_schema response format from the
// target's type, naming the schema after the type itself.
func structuredFormat(target interface{}) (*ResponseFormat, error) {
	schema, err := GenerateSchema(target)
	if err != nil {
		return nil, err
	}
	strict := true
	return &ResponseFormat{
		Type:        "json_schema",
		Name:        schemaName(reflect.TypeOf(target)),
		Schema:      schema,
		Description: "Structured response",
		Strict:      &strict,
	}, nil
}

func schemaName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.ToLower(t.Name())
}

// chatParams assembles the SDK request: the alias resolves through the
// model table, request-level knobs win over per-alias defaults.
func (c *Client) chatParams(req *ChatRequest) (openai.ChatCompletionNewParams, string, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, "", errors.New("llm: request requires at least one message")
	}

	alias := strings.TrimSpace(req.Model)
	if alias == "" {
		alias = c.config.DefaultModel
	}
	modelCfg, _ := c.config.Model(alias)
	modelID := c.config.ResolveModelID(alias)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: toMessages(req.Messages),
	}

	format, ok, err := formatUnion(req.ResponseFormat)
	if err != nil {
		return openai.ChatCompletionNewParams{}, "", err
	}
	if ok {
		params.ResponseFormat = format
	}

	switch {
	case req.Temperature != nil:
		params.Temperature = openai.Float(*req.Temperature)
	case modelCfg.Temperature != nil:
		params.Temperature = openai.Float(*modelCfg.Temperature)
	}

	switch {
	case req.MaxCompletionTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxCompletionTokens))
	case modelCfg.MaxCompletionTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*modelCfg.MaxCompletionTokens))
	}

	return params, modelID, nil
}

func toMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func formatUnion(format *ResponseFormat) (openai.ChatCompletionNewParamsResponseFormatUnion, bool, error) {
	var none openai.ChatCompletionNewParamsResponseFormatUnion
	if format == nil || format.Type == "" || strings.EqualFold(format.Type, "text") {
		return none, false, nil
	}

	switch strings.ToLower(format.Type) {
	case "json_object":
		obj := shared.NewResponseFormatJSONObjectParam()
		return openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}, true, nil

	case "json_schema":
		schema, ok := format.Schema.(map[string]interface{})
		if !ok {
			return none, false, fmt.Errorf("llm: json_schema requires map schema")
		}
		name := format.Name
		if name == "" {
			name = "structured_output"
		}
		js := shared.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   name,
			Schema: schema,
		}
		if format.Strict != nil {
			js.Strict = openai.Bool(*format.Strict)
		}
		if desc := strings.TrimSpace(format.Description); desc != "" {
			js.Description = openai.String(desc)
		}
		wrapped := shared.ResponseFormatJSONSchemaParam{JSONSchema: js}
		wrapped.Type = wrapped.Type.Default()
		return openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONSchema: &wrapped}, true, nil

	default:
		return none, false, fmt.Errorf("llm: unsupported response format %q", format.Type)
	}
}

func fromCompletion(resp *openai.ChatCompletion) *ChatResponse {
	if resp == nil {
		return nil
	}

	result := &ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		result.Choices = append(result.Choices, Choice{
			Index: int(choice.Index),
			Message: Message{
				Role:    string(choice.Message.Role),
				Content: choice.Message.Content,
			},
			FinishReason: choice.FinishReason,
		})
	}
	return result
}
