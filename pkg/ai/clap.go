package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

const defaultClapBaseURL = "http://127.0.0.1:8765"

// ClapClient calls an HTTP sidecar serving a CLAP model, which embeds both
// text and audio into one space.
type ClapClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClapClient constructs a client for the sidecar at baseURL.
func NewClapClient(baseURL, model string) *ClapClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultClapBaseURL
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "laion-clap"
	}
	return &ClapClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// EmbedText returns the text embedding for one prompt.
func (c *ClapClient) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text required")
	}
	out, err := c.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedTexts returns text embeddings in input order.
func (c *ClapClient) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding texts required")
	}
	body, err := json.Marshal(clapTextRequest{Model: c.model, Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/text", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	out, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("clap response count mismatch: got %d, want %d", len(out), len(texts))
	}
	return out, nil
}

// EmbedAudio uploads an audio clip and returns its embedding.
func (c *ClapClient) EmbedAudio(ctx context.Context, filename string, r io.Reader) ([]float32, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.model); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/audio", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	out, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("clap audio response count mismatch: got %d, want 1", len(out))
	}
	return out[0], nil
}

func (c *ClapClient) ModelVersion() string {
	return "clap/" + c.model
}

func (c *ClapClient) do(req *http.Request) ([][]float32, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clap request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return nil, fmt.Errorf("clap api error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("clap api error: %s", resp.Status)
	}
	var out clapEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode clap response: %w", err)
	}
	return out.Embeddings, nil
}

type clapTextRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type clapEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
