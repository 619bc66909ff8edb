package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Moderate checks a candidate submission against the moderation endpoint.
// Callers fail open on error; this method only reports what it saw.
func (c *Client) Moderate(ctx context.Context, text string, grade int) (domain.Verdict, error) {
	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/moderations", bytes.NewReader(body))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("call moderation endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Verdict{}, fmt.Errorf("moderation endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed moderationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Verdict{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return domain.Verdict{Safe: true}, nil
	}

	result := parsed.Results[0]
	if !result.Flagged {
		return domain.Verdict{Safe: true}, nil
	}

	flagged := make([]string, 0, len(result.Categories))
	for category, hit := range result.Categories {
		if hit {
			flagged = append(flagged, category)
		}
	}
	sort.Strings(flagged)
	return domain.Verdict{
		Safe:       false,
		Reason:     "This doesn't fit our story: " + strings.Join(flagged, ", "),
		Suggestion: fmt.Sprintf("Try rewriting your idea in a way the whole grade %d class can enjoy.", grade),
	}, nil
}
