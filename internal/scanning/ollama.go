package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llava"
	ollamaTimeout      = 120 * time.Second

	ocrSystemPrompt = "You are an OCR engine. You read every character printed in an image and repeat it verbatim."
)

// Ollama transcribes documents with a vision model served by a local Ollama instance.
// llava, llava:1.6 and qwen2-vl read printed invoices well; smaller models drop digits.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama scanner. Empty arguments fall back to localhost and llava.
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if modelName == "" {
		modelName = defaultOllamaModel
	}
	return &Ollama{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: ollamaTimeout},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

// ollamaMessage is one chat turn; vision models read the images attached to a user turn
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ExtractText transcribes the text printed on a document
func (o *Ollama) ExtractText(imageData []byte, contentType string) (string, error) {
	png, _, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ollamaTimeout)
	defer cancel()

	reply, err := o.chat(ctx, ollamaChatRequest{
		Model:   o.model,
		Options: ollamaOptions{Temperature: 0},
		Messages: []ollamaMessage{
			{Role: "system", Content: ocrSystemPrompt},
			{Role: "user", Content: transcribePrompt, Images: []string{base64.StdEncoding.EncodeToString(png)}},
		},
	})
	if err != nil {
		return "", err
	}
	return cleanTranscript(reply.Message.Content)
}

// chat sends one non-streaming request to /api/chat
func (o *Ollama) chat(ctx context.Context, chatReq ollamaChatRequest) (*ollamaChatResponse, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &chatResp, nil
}

// Close is a no-op; the HTTP client holds no resources that need releasing
func (o *Ollama) Close() error {
	return nil
}
