package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const downloadTimeout = 10 * time.Minute

// Downloader fetches release archives over HTTP into temp files.
type Downloader struct {
	client *http.Client
	log    zerolog.Logger
}

func NewDownloader(log zerolog.Logger) *Downloader {
	// No client-level timeout: each fetch carries its own context deadline.
	return &Downloader{
		client: &http.Client{},
		log:    log.With().Str("component", "download").Logger(),
	}
}

// Fetch downloads url into dir and returns the temp archive path. The
// caller removes the file when done; Fetch itself removes it on any
// failure so aborted downloads never leak.
func (d *Downloader) Fetch(ctx context.Context, url, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	d.log.Info().Str("url", url).Msg("downloading archive")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	name := fmt.Sprintf("ollama-download-%s%s", uuid.NewString(), archiveSuffix(url))
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	cerr := f.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(dest)
		if err == nil {
			err = cerr
		}
		return "", fmt.Errorf("write temp archive: %w", err)
	}
	d.log.Info().Str("path", dest).Int64("bytes", n).Msg("archive downloaded")
	return dest, nil
}

func archiveSuffix(url string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if len(url) > len(ext) && url[len(url)-len(ext):] == ext {
			return ext
		}
	}
	return ".bin"
}
