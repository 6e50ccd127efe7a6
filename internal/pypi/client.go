// Package pypi fetches package metadata and source distributions from the
// public index JSON API.
package pypi

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"revenant/internal/config"
)

const defaultBaseURL = "https://pypi.org"

// ReleaseFile is one downloadable artifact of a release.
type ReleaseFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	PackageType string `json:"packagetype"`
}

// Metadata is the subset of the JSON API response the pipeline needs.
type Metadata struct {
	Info struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Summary  string `json:"summary"`
		License  string `json:"license"`
		HomePage string `json:"home_page"`
	} `json:"info"`
	URLs []ReleaseFile `json:"urls"`
}

// Client talks to a PyPI-compatible JSON API and caches downloaded sdists.
type Client struct {
	baseURL  string
	cacheDir string
	client   *http.Client
}

// NewClient builds a client using the configured cache directory and request
// timeout. An empty baseURL falls back to pypi.org.
func NewClient(cfg *config.Config, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.Processing.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cfg.Paths.CacheDir,
		client:   &http.Client{Timeout: timeout},
	}
}

// Metadata fetches metadata for the latest release of a package.
func (c *Client) Metadata(ctx context.Context, name string) (*Metadata, error) {
	return c.fetchJSON(ctx, fmt.Sprintf("%s/pypi/%s/json", c.baseURL, name))
}

// VersionMetadata fetches metadata for a specific release.
func (c *Client) VersionMetadata(ctx context.Context, name, version string) (*Metadata, error) {
	return c.fetchJSON(ctx, fmt.Sprintf("%s/pypi/%s/%s/json", c.baseURL, name, version))
}

// LatestVersion returns the current released version of a package.
func (c *Client) LatestVersion(ctx context.Context, name string) (string, error) {
	meta, err := c.Metadata(ctx, name)
	if err != nil {
		return "", err
	}
	return meta.Info.Version, nil
}

func (c *Client) fetchJSON(ctx context.Context, url string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("package not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned status %d for %s", resp.StatusCode, url)
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// DownloadSdist fetches the source distribution for a release into the cache
// directory and returns the local path. Cache hits skip the network entirely.
func (c *Client) DownloadSdist(ctx context.Context, name, version string) (string, error) {
	meta, err := c.VersionMetadata(ctx, name, version)
	if err != nil {
		return "", err
	}

	var sdist *ReleaseFile
	for i := range meta.URLs {
		if meta.URLs[i].PackageType == "sdist" {
			sdist = &meta.URLs[i]
			break
		}
	}
	if sdist == nil {
		return "", fmt.Errorf("no sdist published for %s==%s", name, version)
	}

	dest := filepath.Join(c.cacheDir, sdist.Filename)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return dest, nil
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sdist.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download sdist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sdist download returned status %d", resp.StatusCode)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create cache file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write sdist: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("finalize cache file: %w", err)
	}
	return dest, nil
}

// ExtractSdist unpacks a .tar.gz or .zip sdist into destDir. When the archive
// contains a single top-level directory (the usual layout), that directory's
// path is returned; otherwise destDir itself.
func ExtractSdist(archivePath, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}

	var err error
	switch {
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		err = extractTarGz(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".zip"):
		err = extractZip(archivePath, destDir)
	default:
		return "", fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", fmt.Errorf("read extract dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(destDir, entries[0].Name()), nil
	}
	return destDir, nil
}

// safeJoin rejects archive member names that would escape destDir.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("archive member escapes destination: %s", name)
	}
	return filepath.Join(destDir, cleaned), nil
}

func extractTarGz(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", header.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %s: %w", header.Name, err)
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", header.Name, err)
			}
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", entry.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", entry.Name, err)
		}
		src, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open entry %s: %w", entry.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode()&0o777)
		if err != nil {
			src.Close()
			return fmt.Errorf("create file %s: %w", entry.Name, err)
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			src.Close()
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		out.Close()
		src.Close()
	}
	return nil
}
