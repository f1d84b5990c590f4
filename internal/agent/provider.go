// Package agent processes agent-stream events: chat turns against an
// LLM, voice transcription, speech synthesis, and the per-session
// conversation state behind them.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/rbarinov/echoshell/internal/logger"
)

// ChatMessage is one conversation turn sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider abstracts the LLM/STT/TTS backend.
type Provider interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Name() string
}

// ProviderConfig comes from the AGENT_* environment.
type ProviderConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// NewProvider builds the configured backend. Only the OpenAI wire
// format is implemented; AGENT_BASE_URL points it at any compatible
// server.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("agent provider requires an API key")
		}
		return newOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
}

type openAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
}

func newOpenAIProvider(cfg ProviderConfig) *openAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
	}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages,
		Temperature: p.temperature,
	})
	if err != nil {
		logger.Error("chat completion failed", "model", p.model, "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	logger.Debug("chat completion",
		"model", p.model,
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

func (p *openAIProvider) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if format == "" {
		format = "webm"
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: "audio." + format,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}

func (p *openAIProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.VoiceAlloy,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Close()
	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return audio, nil
}
