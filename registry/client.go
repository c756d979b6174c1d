// Package registry downloads FHIR NPM packages from a package registry
// (https://packages.fhir.org by default) so the terminology they carry, such
// as hl7.terminology.r4, can be loaded at startup.
package registry

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRegistryURL is the primary FHIR package registry.
	DefaultRegistryURL = "https://packages.fhir.org"

	// DefaultTimeout for HTTP requests.
	DefaultTimeout = 60 * time.Second

	// DefaultCacheDir is the cache location relative to the home directory.
	DefaultCacheDir = ".fhir/packages"

	// VersionLatest selects the version tagged latest.
	VersionLatest = "latest"

	// maxFileSize bounds a single extracted file.
	maxFileSize = 200 << 20
)

// Client fetches packages and keeps them in a local cache.
type Client struct {
	httpClient  *http.Client
	registryURL string
	cacheDir    string
	logger      *zap.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithRegistryURL sets the registry base URL.
func WithRegistryURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.registryURL = strings.TrimRight(url, "/")
		}
	}
}

// WithCacheDir sets the cache directory.
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) {
		if dir != "" {
			c.cacheDir = dir
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a registry client.
func NewClient(opts ...ClientOption) *Client {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		registryURL: DefaultRegistryURL,
		cacheDir:    filepath.Join(homeDir, DefaultCacheDir),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheDir returns the cache directory path.
func (c *Client) CacheDir() string {
	return c.cacheDir
}

// packageMetadata is the registry document for one package name.
type packageMetadata struct {
	Name     string            `json:"name"`
	DistTags map[string]string `json:"dist-tags"`
	Versions map[string]struct {
		FHIRVersion string `json:"fhirVersion"`
		URL         string `json:"url"`
		Dist        struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	} `json:"versions"`
}

// Fetch makes ref available locally and returns the directory holding its
// resources. A cached copy is used without contacting the registry unless the
// version is latest.
func (c *Client) Fetch(ctx context.Context, ref PackageRef) (string, error) {
	if ref.Version != "" && ref.Version != VersionLatest {
		if dir, ok := c.cached(ref); ok {
			c.logger.Debug("package cache hit", zap.Stringer("package", ref))
			return dir, nil
		}
	}

	meta, err := c.metadata(ctx, ref.Name)
	if err != nil {
		return "", err
	}
	version := ref.Version
	if version == "" || version == VersionLatest {
		version = meta.DistTags[VersionLatest]
		if version == "" {
			return "", fmt.Errorf("no latest version found for package %s", ref.Name)
		}
	}
	resolved := PackageRef{Name: ref.Name, Version: version}
	if dir, ok := c.cached(resolved); ok {
		return dir, nil
	}

	v, ok := meta.Versions[version]
	if !ok {
		return "", fmt.Errorf("version %s not found for package %s", version, ref.Name)
	}
	tarball := v.Dist.Tarball
	if tarball == "" {
		tarball = v.URL
	}
	if tarball == "" {
		tarball = c.registryURL + "/" + ref.Name + "/" + version
	}

	start := time.Now()
	if err := c.download(ctx, tarball, c.packagePath(resolved)); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", resolved, err)
	}
	c.logger.Info("package downloaded",
		zap.Stringer("package", resolved),
		zap.String("fhir_version", v.FHIRVersion),
		zap.Duration("elapsed", time.Since(start)),
	)

	dir, _ := c.cached(resolved)
	return dir, nil
}

// Open accepts either a package reference or the path of a local .tgz
// package and returns the directory holding its resources. Local archives are
// extracted into the cache on every call.
func (c *Client) Open(ctx context.Context, spec string) (string, error) {
	if !strings.HasSuffix(spec, ".tgz") {
		ref, err := ParseRef(spec)
		if err != nil {
			return "", err
		}
		return c.Fetch(ctx, ref)
	}

	f, err := os.Open(spec)
	if err != nil {
		return "", fmt.Errorf("failed to open package file: %w", err)
	}
	defer f.Close()

	dest := filepath.Join(c.cacheDir, "local", strings.TrimSuffix(filepath.Base(spec), ".tgz"))
	if err := c.install(f, dest); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", spec, err)
	}
	dir, ok := resourceDir(dest)
	if !ok {
		return "", fmt.Errorf("%s has no package.json", spec)
	}
	return dir, nil
}

func (c *Client) metadata(ctx context.Context, name string) (*packageMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL+"/"+name, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch package info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package not found: %s (status %d)", name, resp.StatusCode)
	}
	var meta packageMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode package info: %w", err)
	}
	return &meta, nil
}

func (c *Client) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return c.install(resp.Body, dest)
}

// install extracts a package archive into a temporary directory next to dest
// and renames it into place, so an interrupted extraction never looks cached.
func (c *Client) install(r io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractTarGz(r, tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// packagePath returns the cache directory of a resolved package.
func (c *Client) packagePath(ref PackageRef) string {
	safeName := strings.ReplaceAll(ref.Name, "/", "-")
	return filepath.Join(c.cacheDir, safeName+"#"+ref.Version)
}

// cached returns the resource directory of a cached package. Packages put
// their content under package/; flat archives are accepted too.
func (c *Client) cached(ref PackageRef) (string, bool) {
	return resourceDir(c.packagePath(ref))
}

func resourceDir(root string) (string, bool) {
	for _, dir := range []string{filepath.Join(root, "package"), root} {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			return dir, true
		}
	}
	return "", false
}

// extractTarGz extracts a tar.gz archive to destDir.
func extractTarGz(r io.Reader, destDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		target := filepath.Join(destDir, header.Name) //nolint:gosec // checked below
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid tar path: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxFileSize)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}
