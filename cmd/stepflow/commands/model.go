package commands

import (
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/stepflow/stepflow/pkg/config"
)

// openRouterBaseURL is the default endpoint for the openrouter
// provider when the config carries no explicit base URL.
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// buildModels constructs the primary and optional fallback planner
// models from the config. Both providers speak the OpenAI API shape.
func buildModels(cfg config.PlannerConfig) (llms.Model, llms.Model, error) {
	token, baseURL, err := providerCredentials(cfg)
	if err != nil {
		return nil, nil, err
	}

	model, err := newOpenAIModel(token, baseURL, cfg.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize model %s: %w", cfg.Model, err)
	}

	var fallback llms.Model
	if cfg.FallbackModel != "" {
		fallback, err = newOpenAIModel(token, baseURL, cfg.FallbackModel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize fallback model %s: %w", cfg.FallbackModel, err)
		}
	}
	return model, fallback, nil
}

func newOpenAIModel(token, baseURL, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

// providerCredentials resolves the API token and base URL for the
// configured provider from the environment.
func providerCredentials(cfg config.PlannerConfig) (token, baseURL string, err error) {
	baseURL = cfg.BaseURL
	switch cfg.Provider {
	case "openrouter":
		token = os.Getenv("OPENROUTER_API_KEY")
		if token == "" {
			token = os.Getenv("OPENAI_API_KEY")
		}
		if token == "" {
			return "", "", fmt.Errorf("OPENROUTER_API_KEY is not set")
		}
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
	default:
		token = os.Getenv("OPENAI_API_KEY")
		if token == "" {
			return "", "", fmt.Errorf("OPENAI_API_KEY is not set")
		}
	}
	return token, baseURL, nil
}
