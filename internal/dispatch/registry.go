package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// Registry is the standard Dispatcher: a static map from API category
// to client, built once at startup. Constructor-injected everywhere it
// is needed; there is no package-level instance.
type Registry struct {
	clients map[API]Client
	model   ModelClient
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[API]Client),
		logger:  logger,
	}
}

// Register adds a client for a category. Later registrations replace
// earlier ones.
func (r *Registry) Register(api API, c Client) {
	r.clients[api] = c
}

// RegisterModel sets the language-model client. The model client also
// serves plain ExecuteRequest calls under APILanguageModel.
func (r *Registry) RegisterModel(m ModelClient) {
	r.model = m
}

// Categories returns the registered capability categories.
func (r *Registry) Categories() []API {
	out := make([]API, 0, len(r.clients)+1)
	for api := range r.clients {
		out = append(out, api)
	}
	if r.model != nil {
		out = append(out, APILanguageModel)
	}
	return out
}

// ExecuteRequest implements Dispatcher.
func (r *Registry) ExecuteRequest(ctx context.Context, api API, requesterID, input string) CallResult {
	if api == APILanguageModel {
		return r.ExecuteModelRequest(ctx, ModelRequest{
			RequesterID: requesterID,
			Input:       input,
		})
	}

	c, ok := r.clients[api]
	if !ok {
		r.logger.Warn("dispatch to unknown api category", "api", api)
		return Failure(fmt.Sprintf("no client registered for api %q", api))
	}
	return c.Execute(ctx, requesterID, input)
}

// ExecuteModelRequest implements Dispatcher.
func (r *Registry) ExecuteModelRequest(ctx context.Context, req ModelRequest) CallResult {
	if r.model == nil {
		r.logger.Warn("dispatch to language model with no model client registered")
		return Failure("no language model client registered")
	}
	return r.model.ExecuteModel(ctx, req)
}
