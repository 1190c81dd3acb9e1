package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
	openai "tg-reader-bot/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config задаёт модель и политику повторов.
type Config struct {
	Model       string
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Service реализует domain.LLMService поверх Chat Completions с повторами.
type Service struct {
	client chatClient
	log    zerolog.Logger
	cfg    Config
	sleep  func(time.Duration)
}

var _ domain.LLMService = (*Service)(nil)

// NewService создаёт сервис генерации.
func NewService(client chatClient, log zerolog.Logger, cfg Config) *Service {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Service{client: client, log: log, cfg: cfg, sleep: time.Sleep}
}

// Generate выполняет вызов с экспоненциальным бэкоффом. После исчерпания
// попыток возвращает domain.ErrLLMUnavailable с причиной последней ошибки.
func (s *Service) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	messages := buildMessages(req)
	var lastErr error
	backoff := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		resp, err := s.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:     s.cfg.Model,
			Messages:  messages,
			MaxTokens: req.MaxTokens,
		})
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				err = fmt.Errorf("пустой ответ модели")
			} else {
				result := domain.GenerationResult{
					Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
					Model: s.cfg.Model,
				}
				if resp.Usage != nil {
					result.PromptTokens = resp.Usage.PromptTokens
					result.CompletionTokens = resp.Usage.CompletionTokens
				}
				return result, nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.GenerationResult{}, ctx.Err()
		}
		if attempt < s.cfg.MaxAttempts {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("llm: повтор после ошибки")
			s.sleep(backoff)
			backoff *= 2
		}
	}
	return domain.GenerationResult{}, fmt.Errorf("%w: %v", domain.ErrLLMUnavailable, lastErr)
}

func buildMessages(req domain.GenerationRequest) []openai.ChatMessage {
	messages := make([]openai.ChatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: req.System})
	}
	for _, msg := range req.History {
		role := openai.RoleUser
		switch msg.Role {
		case domain.RoleSystem:
			role = openai.RoleSystem
		case domain.RoleAssistant:
			role = openai.RoleAssistant
		}
		messages = append(messages, openai.ChatMessage{Role: role, Content: msg.Text})
	}
	if req.Prompt != "" {
		messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: req.Prompt})
	}
	return messages
}
