package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"revenant/internal/config"
)

// Uploader publishes built distributions to a devpi-compatible index.
type Uploader struct {
	baseURL string
	index   string
	user    string
	pass    string
	token   string
	client  *http.Client
}

// NewUploader builds an uploader from config.
func NewUploader(cfg *config.Config) *Uploader {
	timeout := time.Duration(cfg.Processing.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Uploader{
		baseURL: cfg.Index.URL,
		index:   cfg.Index.Index,
		user:    cfg.Index.User,
		pass:    cfg.Index.Password,
		client:  &http.Client{Timeout: timeout},
	}
}

// login obtains a devpi session token. devpi returns the token in the
// "password" field of the login result; subsequent requests carry it in an
// X-Devpi-Auth header as "user,token".
func (u *Uploader) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"user":     u.user,
		"password": u.pass,
	})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/+login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Result struct {
			Password string `json:"password"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if decoded.Result.Password == "" {
		return fmt.Errorf("login response carried no token")
	}
	u.token = decoded.Result.Password
	return nil
}

// Upload publishes one distribution file. An expired session is handled by
// re-authenticating once and retrying.
func (u *Uploader) Upload(ctx context.Context, distPath string) error {
	if u.token == "" {
		if err := u.login(ctx); err != nil {
			return err
		}
	}

	status, err := u.postFile(ctx, distPath)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if err := u.login(ctx); err != nil {
			return fmt.Errorf("re-login after %d: %w", status, err)
		}
		status, err = u.postFile(ctx, distPath)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upload of %s returned status %d", filepath.Base(distPath), status)
	}
	return nil
}

func (u *Uploader) postFile(ctx context.Context, distPath string) (int, error) {
	filename := filepath.Base(distPath)
	name, version, err := parseDistFilename(filename)
	if err != nil {
		return 0, err
	}

	file, err := os.Open(distPath)
	if err != nil {
		return 0, fmt.Errorf("open distribution: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		":action":          "file_upload",
		"protocol_version": "1",
		"name":             name,
		"version":          version,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return 0, fmt.Errorf("write form field %s: %w", key, err)
		}
	}
	part, err := writer.CreateFormFile("content", filename)
	if err != nil {
		return 0, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return 0, fmt.Errorf("copy distribution into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("finalize form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/", u.baseURL, strings.Trim(u.index, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Devpi-Auth", u.user+","+u.token)

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// CheckExists reports whether the index already serves a file with this exact
// filename, so re-runs of a completed job skip the upload.
func (u *Uploader) CheckExists(ctx context.Context, distFilename string) (bool, error) {
	name, _, err := parseDistFilename(distFilename)
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/%s/+simple/%s/", u.baseURL, strings.Trim(u.index, "/"), normalizeName(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build simple request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query simple index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("simple index returned status %d", resp.StatusCode)
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return false, fmt.Errorf("read simple index: %w", err)
	}
	return strings.Contains(string(page), distFilename), nil
}

var (
	wheelNamePattern = regexp.MustCompile(`^([A-Za-z0-9_.]+)-([^-]+)-.*\.whl$`)
	sdistNamePattern = regexp.MustCompile(`^([A-Za-z0-9_.\-]+)-(\d[^-]*)\.(?:tar\.gz|zip)$`)
)

// parseDistFilename recovers (name, version) from a built artifact filename.
func parseDistFilename(filename string) (string, string, error) {
	if m := wheelNamePattern.FindStringSubmatch(filename); m != nil {
		return m[1], m[2], nil
	}
	if m := sdistNamePattern.FindStringSubmatch(filename); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("unrecognized distribution filename: %s", filename)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.NewReplacer("_", "-", ".", "-").Replace(name))
}
