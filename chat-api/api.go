package chatapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"chatrelay/common"
	"chatrelay/log"
	"chatrelay/metrics"

	openai "github.com/sashabaranov/go-openai"
)

const SystemPrompt = "You are a helpful AI assistant. Answer questions clearly and concisely."
const SystemRole = openai.ChatMessageRoleSystem
const UserRole = openai.ChatMessageRoleUser
const AnswerRole = openai.ChatMessageRoleAssistant

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = openai.GPT3Dot5Turbo
	DefaultTemperature = 0.7
	DefaultTimeout     = time.Minute * 2
)

type Config struct {
	ApiKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Model        string            `yaml:"model"`
	Temperature  *float32          `yaml:"temperature"`
	MaxTokens    int               `yaml:"max_tokens"`
	Timeout      time.Duration     `yaml:"request_timeout"`
	Headers      map[string]string `yaml:"headers"`
	SystemPrompt string            `yaml:"system_prompt"`
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == nil {
		t := float32(DefaultTemperature)
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = SystemPrompt
	}
}

// Client is stateless apart from its configuration: one request per Complete
// call, no retries.
type Client struct {
	conf      Config
	gptClient *openai.Client
}

func NewClient(conf Config) *Client {
	conf.setDefaults()
	c := &Client{conf: conf}
	if conf.ApiKey == "" {
		log.Warn("no completion api key configured, sends will fail")
		return c
	}
	gptConf := openai.DefaultConfig(conf.ApiKey)
	gptConf.BaseURL = strings.TrimRight(conf.BaseURL, "/")
	gptConf.HTTPClient = &http.Client{
		Transport: &headerTransport{headers: conf.Headers, base: http.DefaultTransport},
	}
	c.gptClient = openai.NewClientWithConfig(gptConf)
	return c
}

// temperature is what goes on the wire. The request field is omitempty, so
// an explicit zero is sent as the smallest positive float instead.
func (c *Client) temperature() float32 {
	if *c.conf.Temperature == 0 {
		return math.SmallestNonzeroFloat32
	}
	return *c.conf.Temperature
}

func (c *Client) Model() string {
	return c.conf.Model
}

// BuildPrompt lays out the system instruction, the context window and the new
// user turn in that order.
func BuildPrompt(system string, history []common.Turn, text string) []openai.ChatCompletionMessage {
	promt := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	promt = append(promt, openai.ChatCompletionMessage{
		Role:    SystemRole,
		Content: system,
	})
	for _, turn := range history {
		role := AnswerRole
		if turn.Sender == common.SenderUser {
			role = UserRole
		}
		promt = append(promt, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Text,
		})
	}
	promt = append(promt, openai.ChatCompletionMessage{
		Role:    UserRole,
		Content: text,
	})
	return promt
}

func (c *Client) Complete(ctx context.Context, history []common.Turn, text string) (string, error) {
	const op = "chatapi.Complete"
	if c.gptClient == nil {
		return "", common.ConfigurationError(op, "completion API key is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	prompt := BuildPrompt(c.conf.SystemPrompt, history, text)
	log.Debug("prompt messages", len(prompt), "model", c.conf.Model)
	start := time.Now()
	resp, err := c.gptClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.conf.Model,
		Messages:    prompt,
		Temperature: c.temperature(),
		MaxTokens:   c.conf.MaxTokens,
	})
	if err != nil {
		rerr := remoteError(op, err)
		metrics.CompletionDuration.WithLabelValues(c.conf.Model, "error").Observe(time.Since(start).Seconds())
		log.Warn("completion failed", rerr.Error())
		return "", rerr
	}
	metrics.CompletionDuration.WithLabelValues(c.conf.Model, "ok").Observe(time.Since(start).Seconds())
	if len(resp.Choices) == 0 {
		return "", common.RemoteError(op, 0, "no answer choice in response", nil)
	}
	answer := resp.Choices[0].Message.Content
	if strings.TrimSpace(answer) == "" {
		return "", common.RemoteError(op, 0, "No response content from AI", nil)
	}
	return answer, nil
}

func remoteError(op string, err error) *common.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return common.RemoteError(op, apiErr.HTTPStatusCode, apiErr.Message, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := "API request failed"
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return common.RemoteError(op, reqErr.HTTPStatusCode, msg, nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return common.RemoteError(op, 0, "completion request timed out", err)
	}
	return common.RemoteError(op, 0, "AI service error", err)
}

// headerTransport adds fixed headers (router attribution and the like) to
// every upstream request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
