package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"revenant/internal/compat"
	"revenant/internal/config"
)

const anthropicVersion = "2023-06-01"

// FixAttempt is the outcome of asking the model to rewrite one file.
type FixAttempt struct {
	OriginalCode    string
	FixedCode       string
	Explanation     string
	IssuesAddressed []compat.Issue
}

// AIFixer sends broken Python sources to an Anthropic-compatible messages
// endpoint and applies the rewritten file it returns.
type AIFixer struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

// NewAIFixer builds a fixer from config. The returned fixer is inert when no
// API key is configured; callers check Enabled before use.
func NewAIFixer(cfg *config.Config) *AIFixer {
	timeout := time.Duration(cfg.AI.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AIFixer{
		apiKey:    cfg.AI.APIKey,
		model:     cfg.AI.Model,
		maxTokens: cfg.AI.MaxTokens,
		baseURL:   cfg.AI.BaseURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an API key is configured.
func (f *AIFixer) Enabled() bool {
	return f.apiKey != ""
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const systemPrompt = `You are an expert Python developer migrating code to Python 3.14.
You receive a Python source file and a list of known incompatibilities.
Return ONLY the complete fixed source file. Do not add commentary,
do not wrap the code in markdown fences, do not change behavior beyond
what the listed issues require.`

// FixFile asks the model to rewrite one file and writes the result back in
// place. The attempt records both versions so callers can log or revert.
func (f *AIFixer) FixFile(ctx context.Context, path string, issues []compat.Issue) (*FixAttempt, error) {
	if !f.Enabled() {
		return nil, fmt.Errorf("ai fixer not configured")
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fix the following Python 3.14 incompatibilities in this file.\n\nIssues:\n")
	for _, issue := range issues {
		fmt.Fprintf(&sb, "- line %d: %s\n", issue.Line, issue.Description)
	}
	fmt.Fprintf(&sb, "\nSource:\n%s", original)

	fixed, err := f.complete(ctx, sb.String())
	if err != nil {
		return nil, err
	}
	fixed = stripFences(fixed)
	if strings.TrimSpace(fixed) == "" {
		return nil, fmt.Errorf("model returned empty response for %s", path)
	}

	if err := os.WriteFile(path, []byte(fixed), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &FixAttempt{
		OriginalCode:    string(original),
		FixedCode:       fixed,
		Explanation:     fmt.Sprintf("model rewrite addressing %d issue(s)", len(issues)),
		IssuesAddressed: issues,
	}, nil
}

// FixPackage runs FixFile over every file with issues the mechanical pass
// could not handle. Per-file failures are collected, not fatal: one stubborn
// file should not abandon the rest of the package.
func (f *AIFixer) FixPackage(ctx context.Context, issues []compat.Issue) (Result, []*FixAttempt) {
	result := Result{}
	var attempts []*FixAttempt

	byFile := make(map[string][]compat.Issue)
	var order []string
	for _, issue := range issues {
		if issue.AutoFixable {
			continue
		}
		if _, ok := byFile[issue.File]; !ok {
			order = append(order, issue.File)
		}
		byFile[issue.File] = append(byFile[issue.File], issue)
	}

	for _, path := range order {
		fileIssues := byFile[path]
		attempt, err := f.FixFile(ctx, path, fileIssues)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			result.IssuesSkipped += len(fileIssues)
			continue
		}
		attempts = append(attempts, attempt)
		result.FilesModified = append(result.FilesModified, path)
		result.IssuesFixed += len(fileIssues)
	}
	return result, attempts
}

func (f *AIFixer) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(messagesRequest{
		Model:     f.model,
		MaxTokens: f.maxTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", f.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var decoded messagesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return "", fmt.Errorf("model error (%s): %s", decoded.Error.Type, decoded.Error.Message)
		}
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// stripFences unwraps a response the model insisted on fencing anyway.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}
