// Package gen is the text generation and moderation collaborator, a thin
// adapter over the OpenAI HTTP API. The orchestrators treat it as opaque,
// possibly slow and possibly failing.
package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

// Config configures the OpenAI endpoints and HTTP behavior.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
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

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("completion endpoint returned no content")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// completeJSON asks for a bare JSON document and decodes it into out,
// stripping the markdown fences models like to add.
func (c *Client) completeJSON(ctx context.Context, system, user string, out any) error {
	text, err := c.complete(ctx, system, user)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("decode generated json: %w", err)
	}
	return nil
}

func (c *Client) Continuation(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) (string, error) {
	return c.complete(ctx, continuationSystem(grade, persona), transcriptPrompt(transcript, "Continue the story with one short paragraph."))
}

func (c *Client) ContinuationForChoice(ctx context.Context, transcript []domain.StoryPart, choice domain.BranchChoice, grade int, persona string) (string, error) {
	instruction := fmt.Sprintf("The class voted for this direction: %q (%s). Continue the story in that direction with one short paragraph.", choice.Text, choice.Description)
	return c.complete(ctx, continuationSystem(grade, persona), transcriptPrompt(transcript, instruction))
}

func (c *Client) Ending(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) (string, error) {
	return c.complete(ctx, continuationSystem(grade, persona), transcriptPrompt(transcript, "Write a satisfying ending for the story in one or two short paragraphs."))
}

func (c *Client) Hints(ctx context.Context, transcript []domain.StoryPart, grade int, persona string) ([]domain.Hint, error) {
	var hints []domain.Hint
	prompt := transcriptPrompt(transcript, `Suggest three short ideas a stuck student could write next. Reply with a bare JSON array of {"text","direction"}.`)
	if err := c.completeJSON(ctx, continuationSystem(grade, persona), prompt, &hints); err != nil {
		return nil, err
	}
	return hints, nil
}

func (c *Client) BranchChoices(ctx context.Context, transcript []domain.StoryPart, grade int, count int) ([]domain.BranchChoice, error) {
	var choices []domain.BranchChoice
	instruction := fmt.Sprintf(`Propose exactly %d different directions the story could take next. Reply with a bare JSON array of {"text","description"}; keep each text under ten words.`, count)
	if err := c.completeJSON(ctx, choicesSystem(grade), transcriptPrompt(transcript, instruction), &choices); err != nil {
		return nil, err
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("no branch choices generated")
	}
	if len(choices) > count {
		choices = choices[:count]
	}
	for i := range choices {
		choices[i].Index = i
	}
	return choices, nil
}
