package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL serves the legacy tesseract language data.
const DefaultBaseURL = "https://github.com/tesseract-ocr/tessdata/raw/main"

// Client fetches language data files over HTTP.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// URL returns the location of the language data for lang.
func (c *Client) URL(lang string) string {
	return fmt.Sprintf("%s/%s.traineddata", c.BaseURL, lang)
}

// Download writes <BaseURL>/<lang>.traineddata to dest. progress receives
// percentages when the server sends a Content-Length; it may be nil.
func (c *Client) Download(ctx context.Context, lang, dest string, progress func(percent int)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.URL(lang), nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", lang, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}

	var src io.Reader = resp.Body
	if progress != nil && resp.ContentLength > 0 {
		src = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	}

	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		return fmt.Errorf("download %s: %w", lang, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("Downloaded language data", "language", lang, "bytes", n, "dest", dest)
	return nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	percent := int(p.read * 100 / p.total)
	if percent > p.last {
		p.last = percent
		p.report(percent)
	}
	return n, err
}
