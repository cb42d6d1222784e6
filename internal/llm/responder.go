package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/parley-bot/parley/internal/dispatch"
)

// Responder adapts a provider Client to the dispatcher's ModelClient
// contract: it assembles messages from persona, history, and input,
// and folds errors into CallResults with cancellation classified
// distinctly.
type Responder struct {
	client       Client
	defaultModel string
	persona      string
	logger       *slog.Logger
}

// NewResponder creates a responder. persona is the globally configured
// persona instruction; empty disables it. Requests may suppress it per
// call.
func NewResponder(client Client, defaultModel, persona string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		client:       client,
		defaultModel: defaultModel,
		persona:      persona,
		logger:       logger,
	}
}

// ExecuteModel implements dispatch.ModelClient.
func (r *Responder) ExecuteModel(ctx context.Context, req dispatch.ModelRequest) dispatch.CallResult {
	model := req.Model
	if model == "" {
		model = r.defaultModel
	}

	messages := r.buildMessages(req)

	r.logger.Debug("language model call",
		"model", model,
		"messages", len(messages),
		"suppress_persona", req.SuppressPersona,
	)

	resp, err := r.client.Chat(ctx, model, messages)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return dispatch.Cancelled("language model call cancelled")
		}
		return dispatch.Failure("language model: " + err.Error())
	}

	return dispatch.Success(strings.TrimSpace(resp.Message.Content))
}

// buildMessages assembles the chat transcript: optional persona system
// prompt, prior turns, then the current input.
func (r *Responder) buildMessages(req dispatch.ModelRequest) []Message {
	messages := make([]Message, 0, len(req.History)+2)

	if r.persona != "" && !req.SuppressPersona {
		messages = append(messages, Message{Role: "system", Content: r.persona})
	}

	for _, turn := range req.History {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: turn.Content})
	}

	return append(messages, Message{Role: "user", Content: req.Input})
}
