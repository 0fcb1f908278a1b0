// Package scene sends sampled frame sequences to a vision-language model and
// turns its free-form answer into a structured judgement.
package scene

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

const (
	defaultMaxAttempts = 3
	retryBackoff       = 2 * time.Second

	// Frames sent per request. Long context windows are downsampled to this
	// many evenly spaced frames.
	defaultSampleCount = 5

	jpegQuality = 80
)

const analysisPrompt = `You are a security monitor. These frames are consecutive snapshots from a surveillance camera. Describe what is happening and judge whether the scene is abnormal or dangerous. Answer with a JSON object: {"description": "...", "is_abnormal": true/false, "reason": "..."}`

func buildPrompt(classes []string, policy string) string {
	var b strings.Builder
	b.WriteString(analysisPrompt)
	if policy != "" {
		b.WriteString("\nActive security policy: \"" + policy + "\". Behaviour that violates the policy is abnormal.")
	}
	if len(classes) > 0 {
		b.WriteString("\nObjects currently detected: " + strings.Join(classes, ", ") + ".")
	}
	return b.String()
}

// ClientConfig parameterises the VLM endpoint.
type ClientConfig struct {
	URL        string
	Model      string
	APIKey     string
	Timeout    time.Duration // bounds a single HTTP exchange
	FrameCount int           // frames sampled per request
	MaxRetries int           // attempts before giving up
}

// Client posts frame sequences to an OpenAI-style chat completions endpoint.
type Client struct {
	url         string
	model       string
	apiKey      string
	http        *http.Client
	backoff     time.Duration
	sampleCount int
	maxAttempts int
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.FrameCount < 1 {
		cfg.FrameCount = defaultSampleCount
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaultMaxAttempts
	}
	return &Client{
		url:         cfg.URL,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		http:        &http.Client{Timeout: cfg.Timeout},
		backoff:     retryBackoff,
		sampleCount: cfg.FrameCount,
		maxAttempts: cfg.MaxRetries,
	}
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends up to sampleCount evenly spaced frames and returns the
// model's judgement. Transport and HTTP failures are retried with
// exponential backoff; an unparseable model answer degrades to a normal
// verdict carrying the raw text.
func (c *Client) Analyze(ctx context.Context, frames []vision.Frame, classes []string, policy string) (vision.AnalysisResult, error) {
	sampled := sampleFrames(frames, c.sampleCount)
	if len(sampled) == 0 {
		return vision.AnalysisResult{}, fmt.Errorf("scene: no frames to analyze")
	}

	content := []chatContent{{Type: "text", Text: buildPrompt(classes, policy)}}
	for _, frame := range sampled {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return vision.AnalysisResult{}, fmt.Errorf("scene: encode frame: %w", err)
		}
		content = append(content, chatContent{
			Type: "image_url",
			ImageURL: &chatImageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			},
		})
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return vision.AnalysisResult{}, fmt.Errorf("scene: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff * time.Duration(1<<(attempt-2))
			monitoring.Logf("scene: attempt %d/%d after %v: %v", attempt, c.maxAttempts, backoff, lastErr)
			select {
			case <-ctx.Done():
				return vision.AnalysisResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		raw, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}
		return parseVerdict(raw), nil
	}
	return vision.AnalysisResult{}, fmt.Errorf("scene: analysis failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scene: endpoint returned %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("scene: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("scene: response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// sampleFrames picks n evenly spaced frames, always including the first and
// last when the sequence is long enough.
func sampleFrames(frames []vision.Frame, n int) []vision.Frame {
	if len(frames) <= n {
		return frames
	}
	out := make([]vision.Frame, 0, n)
	step := float64(len(frames)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, frames[int(float64(i)*step+0.5)])
	}
	return out
}

// parseVerdict extracts the structured judgement from the model's text. The
// model often wraps JSON in markdown fences or prose; strip fences, then try
// the outermost brace pair. Anything still unparseable becomes a normal
// verdict with the raw text as description.
func parseVerdict(raw string) vision.AnalysisResult {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var verdict struct {
		Description string `json:"description"`
		IsAbnormal  bool   `json:"is_abnormal"`
		Reason      string `json:"reason"`
	}

	candidate := text
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidate = text[start : end+1]
	}
	if err := json.Unmarshal([]byte(candidate), &verdict); err == nil && verdict.Description != "" {
		return vision.AnalysisResult{
			Description: verdict.Description,
			IsAbnormal:  verdict.IsAbnormal,
			Reason:      verdict.Reason,
			RawResponse: raw,
		}
	}

	desc := raw
	if len(desc) > 500 {
		cut := 500
		for cut > 0 && !utf8.RuneStart(desc[cut]) {
			cut--
		}
		desc = desc[:cut]
	}
	return vision.AnalysisResult{Description: desc, RawResponse: raw}
}
