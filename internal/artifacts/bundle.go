package artifacts

import (
	"archive/tar"
	"archive/zip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrChecksumMismatch is returned when a downloaded bundle does not match
// its expected SHA-256 digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrUnsafePath is returned for bundle entries that would land outside the
// destination directory. Nothing is extracted from such a bundle.
var ErrUnsafePath = errors.New("bundle entry escapes destination directory")

// BundleFetcher downloads and extracts prebuilt artifact bundles (.zip or
// .tzst) so deployments can run without a local compiler toolchain.
type BundleFetcher struct {
	cacheDir   string
	httpClient *http.Client
	logger     *slog.Logger

	// SkipChecksum disables integrity verification. Only for local testing.
	SkipChecksum bool

	mu sync.Mutex
}

// NewBundleFetcher creates a fetcher that stages downloads in cacheDir.
func NewBundleFetcher(cacheDir string, logger *slog.Logger) *BundleFetcher {
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BundleFetcher{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

// Fetch downloads the bundle at url, verifies it against expectedSHA256
// (hex, optional "sha256:" prefix) and extracts it into destDir.
func (f *BundleFetcher) Fetch(ctx context.Context, url, expectedSHA256, destDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	format, err := bundleFormat(url)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(f.cacheDir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	archivePath := filepath.Join(f.cacheDir, fmt.Sprintf("artifacts-%d%s", time.Now().UnixNano(), format))
	if err := f.download(ctx, url, archivePath); err != nil {
		return fmt.Errorf("download bundle: %w", err)
	}
	defer os.Remove(archivePath)

	if err := f.verifyChecksum(archivePath, expectedSHA256); err != nil {
		return fmt.Errorf("bundle integrity check failed: %w", err)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	switch format {
	case ".zip":
		err = extractZip(archivePath, destDir)
	default:
		err = extractTzst(archivePath, destDir)
	}
	if err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}

	f.logger.Info("artifact bundle extracted",
		slog.String("url", url),
		slog.String("dest", destDir),
	)
	return nil
}

func bundleFormat(url string) (string, error) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ".zip", nil
	case strings.HasSuffix(lower, ".tzst"), strings.HasSuffix(lower, ".tar.zst"):
		return ".tzst", nil
	default:
		return "", fmt.Errorf("unsupported bundle format: %s (want .zip, .tzst or .tar.zst)", url)
	}
}

// download fetches url to destPath via a temp file and rename.
func (f *BundleFetcher) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d from %s", resp.StatusCode, url)
	}

	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// verifyChecksum compares the file's SHA-256 with the expected digest.
func (f *BundleFetcher) verifyChecksum(filePath, expected string) error {
	if f.SkipChecksum {
		f.logger.Warn("skipping bundle checksum verification", slog.String("file", filePath))
		return nil
	}

	expected = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(expected), "sha256:"))
	if expected == "" {
		return errors.New("no checksum provided - refusing to use unverified artifacts")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file for checksum verification: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("calculate checksum: %w", err)
	}

	actual := fmt.Sprintf("%x", h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// safeJoin joins name under destDir and fails with ErrUnsafePath for
// absolute names and names that climb out of destDir.
func safeJoin(destDir, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", destDir, err)
	}
	target := filepath.Join(absDest, clean)
	if target != absDest && !strings.HasPrefix(target, absDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
