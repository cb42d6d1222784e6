// Package imagegen implements the image-generation capability client
// on the OpenAI images endpoint.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-bot/parley/internal/dispatch"
)

// Image is the image-generation capability's success payload.
type Image struct {
	URL           string `json:"url"`
	Prompt        string `json:"prompt"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// imagesAPI is the slice of the OpenAI client this package uses,
// narrowed for testability.
type imagesAPI interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// Client generates images from text prompts. Implements
// dispatch.Client.
type Client struct {
	api    imagesAPI
	model  string
	size   string
	logger *slog.Logger
}

// New creates an image-generation client against the OpenAI API.
// baseURL optionally points at a compatible endpoint.
func New(apiKey, baseURL, model, size string, logger *slog.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newWithAPI(openai.NewClientWithConfig(cfg), model, size, logger)
}

func newWithAPI(api imagesAPI, model, size string, logger *slog.Logger) *Client {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, model: model, size: size, logger: logger}
}

// Execute implements dispatch.Client. The input is the image prompt.
func (c *Client) Execute(ctx context.Context, requesterID, input string) dispatch.CallResult {
	if input == "" {
		return dispatch.Failure("no image prompt given")
	}

	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:         input,
		Model:          c.model,
		Size:           c.size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return dispatch.Cancelled("image generation cancelled")
		}
		return dispatch.Failure("image generation failed: " + err.Error())
	}
	if len(resp.Data) == 0 {
		return dispatch.Failure("image generation returned no images")
	}

	img := Image{
		URL:           resp.Data[0].URL,
		Prompt:        input,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}
	c.logger.Debug("image generated", "model", c.model, "requester", requesterID)
	return dispatch.Success(img)
}

// Formatter renders an Image for final-pass context.
func Formatter() dispatch.Formatter {
	return dispatch.FormatterFunc(func(payload any) (string, error) {
		img, ok := payload.(Image)
		if !ok {
			return "", fmt.Errorf("imagegen formatter: unexpected payload %T", payload)
		}

		out := fmt.Sprintf("Generated image: %s\nOriginal prompt: %s", img.URL, img.Prompt)
		if img.RevisedPrompt != "" {
			out += "\nRevised prompt: " + img.RevisedPrompt
		}
		return out, nil
	})
}
