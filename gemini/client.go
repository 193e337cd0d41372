package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultGenerativeModel = "gemini-2.5-flash"
	defaultEmbeddingModel  = "gemini-embedding-001"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("gemini client is closed")

// Client wraps the GenAI SDK for the two calls the cascade makes: embedding
// short texts and generating one short answer.
type Client struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	logger          *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a client for the Gemini API.
func New(ctx context.Context, apiKey, generativeModel, embeddingModel string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if generativeModel == "" {
		generativeModel = defaultGenerativeModel
	}
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logger.Info("✅ GenAI client ready",
		zap.String("generative_model", generativeModel),
		zap.String("embedding_model", embeddingModel))

	return &Client{
		client:          client,
		generativeModel: generativeModel,
		embeddingModel:  embeddingModel,
		logger:          logger,
	}, nil
}

func (c *Client) sdk() (*genai.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.client, nil
}

// Embed returns one vector per text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := c.sdk()
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := client.Models.EmbedContent(ctx, c.embeddingModel, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	c.logger.Debug("📤 embedded texts", zap.Int("count", len(texts)))
	return out, nil
}

// Generate asks the model for a JSON answer to prompt under system.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	client, err := c.sdk()
	if err != nil {
		return "", err
	}

	temp := float32(0.2)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   256,
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	res, err := client.Models.GenerateContent(ctx, c.generativeModel, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := res.Text()
	if text == "" {
		return "", errors.New("generate content: empty response")
	}
	c.logger.Debug("📥 generated answer", zap.Int("bytes", len(text)))
	return text, nil
}

// Close marks the client closed. The SDK client holds no connection that
// needs releasing.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
