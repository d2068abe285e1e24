package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"claim-intake-server/internal/db"
)

const systemPrompt = `You are the intake assistant for a Texas car accident and total-loss claims help service.
Answer briefly (two or three sentences) in plain language.
You help people whose vehicle was totaled or badly damaged understand Actual Cash Value (ACV),
total-loss rules in Texas, and what to do next. You are not a lawyer and do not give legal advice.
Always steer the visitor toward sharing their name, phone number and vehicle year, make and model
so a claims specialist can call them.`

// Responder answers visitor questions the NLU agent could not match.
type Responder struct {
	LLM          llms.Model
	HistoryLimit int
	MaxTokens    int
}

// New creates a Responder backed by an OpenAI-compatible chat model. An empty
// apiKey falls back to OPENAI_API_KEY.
func New(model, apiKey, baseURL string, historyLimit int) (*Responder, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	return &Responder{LLM: llm, HistoryLimit: historyLimit, MaxTokens: 300}, nil
}

// Reply builds the prompt from the system instructions, the tail of the
// transcript and the new visitor text.
func (r *Responder) Reply(ctx context.Context, history []db.Message, text string) (string, error) {
	messages := r.buildMessages(history, text)

	resp, err := r.LLM.GenerateContent(ctx, messages,
		llms.WithMaxTokens(r.MaxTokens),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate reply: empty response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Content)
	if reply == "" {
		return "", errors.New("generate reply: empty content")
	}
	return reply, nil
}

func (r *Responder) buildMessages(history []db.Message, text string) []llms.MessageContent {
	if r.HistoryLimit > 0 && len(history) > r.HistoryLimit {
		history = history[len(history)-r.HistoryLimit:]
	}

	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt)}
	for _, m := range history {
		content := m.Text()
		if content == "" {
			continue
		}
		role := llms.ChatMessageTypeAI
		if m.Sender == db.SenderUser {
			role = llms.ChatMessageTypeHuman
		}
		messages = append(messages, llms.TextParts(role, content))
	}
	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, text))
}
