package fixer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"revenant/internal/compat"
	"revenant/internal/config"
	"revenant/internal/fixer"
)

func aiConfig(key, baseURL string) *config.Config {
	cfg := config.Default()
	cfg.AI.APIKey = key
	cfg.AI.BaseURL = baseURL
	cfg.AI.Model = "test-model"
	cfg.AI.MaxTokens = 1024
	return &cfg
}

func modelResponse(text string) map[string]any {
	return map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	}
}

func TestAIFixerDisabledWithoutKey(t *testing.T) {
	t.Parallel()

	f := fixer.NewAIFixer(aiConfig("", "http://unused"))
	if f.Enabled() {
		t.Fatal("fixer without key reports enabled")
	}
	if _, err := f.FixFile(context.Background(), "whatever.py", nil); err == nil {
		t.Fatal("FixFile succeeded without a key")
	}
}

func TestFixFileSendsIssuesAndAppliesResponse(t *testing.T) {
	t.Parallel()

	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 1 {
			gotPrompt = req.Messages[0].Content
		}
		json.NewEncoder(w).Encode(modelResponse("watcher = None\n"))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := dir + "/watcher.py"
	original := "watcher = asyncio.get_child_watcher()\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	issues := []compat.Issue{{
		File: path, Line: 1,
		Type:        compat.TypeRemovedAsyncioWatch,
		Description: "asyncio.get_child_watcher was removed in 3.14.",
	}}

	f := fixer.NewAIFixer(aiConfig("secret", server.URL))
	attempt, err := f.FixFile(context.Background(), path, issues)
	if err != nil {
		t.Fatalf("FixFile: %v", err)
	}
	if attempt.OriginalCode != original {
		t.Errorf("original code = %q", attempt.OriginalCode)
	}
	if attempt.FixedCode != "watcher = None\n" {
		t.Errorf("fixed code = %q", attempt.FixedCode)
	}
	if !strings.Contains(gotPrompt, "line 1") || !strings.Contains(gotPrompt, "get_child_watcher") {
		t.Errorf("prompt missing issue details: %q", gotPrompt)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(onDisk) != "watcher = None\n" {
		t.Errorf("file contents = %q", onDisk)
	}
}

func TestFixFileStripsMarkdownFences(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(modelResponse("```python\nx = 1\n```"))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := dir + "/fenced.py"
	if err := os.WriteFile(path, []byte("x = ast.Num\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := fixer.NewAIFixer(aiConfig("secret", server.URL))
	attempt, err := f.FixFile(context.Background(), path, []compat.Issue{{File: path, Line: 1}})
	if err != nil {
		t.Fatalf("FixFile: %v", err)
	}
	if attempt.FixedCode != "x = 1\n" {
		t.Errorf("fixed code = %q, want fences stripped", attempt.FixedCode)
	}
}

func TestFixFileRejectsEmptyResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(modelResponse("   \n"))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := dir + "/empty.py"
	original := "x = ast.Num\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := fixer.NewAIFixer(aiConfig("secret", server.URL))
	if _, err := f.FixFile(context.Background(), path, []compat.Issue{{File: path, Line: 1}}); err == nil {
		t.Fatal("empty response accepted")
	}

	onDisk, _ := os.ReadFile(path)
	if string(onDisk) != original {
		t.Errorf("file changed despite error: %q", onDisk)
	}
}

func TestFixFileSurfacesModelErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := dir + "/limited.py"
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := fixer.NewAIFixer(aiConfig("secret", server.URL))
	_, err := f.FixFile(context.Background(), path, []compat.Issue{{File: path, Line: 1}})
	if err == nil || !strings.Contains(err.Error(), "rate_limit_error") {
		t.Fatalf("err = %v, want rate_limit_error surfaced", err)
	}
}

func TestFixPackageGroupsByFileAndCollectsErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(modelResponse("fixed = True\n"))
	}))
	defer server.Close()

	dir := t.TempDir()
	good := dir + "/good.py"
	if err := os.WriteFile(good, []byte("bad = ast.Num\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	missing := dir + "/missing.py"

	issues := []compat.Issue{
		{File: good, Line: 1, Type: compat.TypeRemovedAsyncioWatch},
		{File: good, Line: 2, Type: compat.TypeRemovedURLOpener},
		{File: missing, Line: 1, Type: compat.TypeRemovedURLOpener},
		{File: good, Line: 3, Type: compat.TypeRemovedASTNode, AutoFixable: true},
	}

	f := fixer.NewAIFixer(aiConfig("secret", server.URL))
	result, attempts := f.FixPackage(context.Background(), issues)

	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if len(attempts[0].IssuesAddressed) != 2 {
		t.Fatalf("issues addressed = %d, want 2 (auto-fixable excluded)", len(attempts[0].IssuesAddressed))
	}
	if result.IssuesFixed != 2 {
		t.Errorf("issues fixed = %d, want 2", result.IssuesFixed)
	}
	if result.IssuesSkipped != 1 {
		t.Errorf("issues skipped = %d, want 1", result.IssuesSkipped)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v, want 1", result.Errors)
	}
}
