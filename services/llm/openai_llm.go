// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI-compatible client. It also covers
// local servers (Ollama, llama.cpp, vLLM) that speak the OpenAI chat API;
// point BaseURL at them.
type OpenAIConfig struct {
	// APIKey authenticates against the endpoint. Local servers usually
	// accept any non-empty value.
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses api.openai.com.
	BaseURL string

	// Model is the model identifier. Required.
	Model string

	// MaxTokens bounds the completion length. Zero means 256, enough
	// for the short verdicts validation prompts ask for.
	MaxTokens int

	// RequestsPerSecond rate-limits outbound calls so a burst of
	// validation chains cannot starve the shared model. Zero disables
	// limiting.
	RequestsPerSecond float64
}

// OpenAIClient implements Client over an OpenAI-compatible chat endpoint.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
}

// NewOpenAIClient builds a client from the config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: maxTokens,
		limiter:   limiter,
	}, nil
}

// Complete implements Client. The context deadline bounds both the rate
// limiter wait and the API call.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Client = (*OpenAIClient)(nil)
