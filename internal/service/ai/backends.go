package ai

import (
	"context"
	"net/http"
	"net/url"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to an OpenAI-compatible chat completions API,
// optionally through an outbound HTTP proxy.
type OpenAIBackend struct {
	client *openai.Client

	temperature float32
	topP        float32
	maxTokens   int
}

// NewOpenAIBackend creates the client. baseURL may be empty for the public
// API; proxyURL may be empty for direct connections.
func NewOpenAIBackend(apiKey, baseURL, proxyURL string) (*OpenAIBackend, error) {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}

	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse proxy url %q", proxyURL)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		clientCfg.HTTPClient = &http.Client{Transport: transport}
	}

	return &OpenAIBackend{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// SetSampling applies optional sampling parameters to every request.
func (b *OpenAIBackend) SetSampling(temperature, topP *float64, maxTokens *int) {
	if temperature != nil {
		b.temperature = float32(*temperature)
	}
	if topP != nil {
		b.topP = float32(*topP)
	}
	if maxTokens != nil {
		b.maxTokens = *maxTokens
	}
}

func (b *OpenAIBackend) Complete(ctx context.Context, model string, messages []*schema.Message) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Temperature: b.temperature,
		TopP:        b.topP,
		MaxTokens:   b.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

// ChatModelBackend adapts an eino chat model, such as the Ark model.
type ChatModelBackend struct {
	model einomodel.BaseChatModel
}

// NewChatModelBackend wraps chatModel.
func NewChatModelBackend(chatModel einomodel.BaseChatModel) *ChatModelBackend {
	return &ChatModelBackend{model: chatModel}
}

func (b *ChatModelBackend) Complete(ctx context.Context, model string, messages []*schema.Message) (string, error) {
	var opts []einomodel.Option
	if model != "" {
		opts = append(opts, einomodel.WithModel(model))
	}

	resp, err := b.model.Generate(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("chat model returned nil message")
	}
	return resp.Content, nil
}
