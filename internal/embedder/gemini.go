// Package embedder provides the embedding clients used by the embedding
// stage: a Gemini-backed client for production and a deterministic offline
// client for tests and air-gapped development.
package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"google.golang.org/genai"
)

// GeminiClient produces embeddings through the Gemini API.
type GeminiClient struct {
	client     *genai.Client
	model      string
	dimensions int
	timeout    time.Duration
	logger     arbor.ILogger
}

// NewGeminiClient initializes the genai client from config.
func NewGeminiClient(ctx context.Context, config common.EmbeddingConfig, logger arbor.ILogger) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GeminiClient{
		client:     client,
		model:      config.Model,
		dimensions: config.Dimensions,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Embed generates one vector for the text with the configured output
// dimensionality.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	outputDim := int32(c.dimensions)
	config := &genai.EmbedContentConfig{
		OutputDimensionality: &outputDim,
	}

	result, err := c.client.Models.EmbedContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}

	var embedding []float32
	if result != nil && len(result.Embeddings) > 0 {
		embedding = result.Embeddings[0].Values
	}
	if embedding == nil {
		return nil, fmt.Errorf("no embedding returned from API")
	}
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", c.dimensions, len(embedding))
	}
	return embedding, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.model }

// Dimensions returns the configured output dimensionality.
func (c *GeminiClient) Dimensions() int { return c.dimensions }
