package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/scamguard/backend/pkg/logger"
)

const (
	DefaultTimeout  = 10 * time.Second
	maxPageBytes    = 2 << 20
	maxPostingRunes = 5000
	userAgent       = "Mozilla/5.0 (compatible; ScamGuardBot/1.0)"
)

// Fetcher downloads job posting pages shared as links and extracts their
// readable text.
type Fetcher struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("fetcher"),
	}
}

func (f *Fetcher) FetchPosting(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid posting url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch posting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("posting page returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxPageBytes)
	var text string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read posting: %w", err)
		}
		text = string(raw)
	} else {
		text, err = extractText(body)
		if err != nil {
			return "", err
		}
	}

	text = truncate(strings.TrimSpace(text), maxPostingRunes)
	f.logger.Debug("Posting fetched", zap.String("host", u.Host), zap.Int("length", len(text)))
	return text, nil
}

// extractText prefers the page's main content and falls back to the body.
func extractText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, nav, footer, header, form").Remove()

	for _, selector := range []string{"[itemtype*='JobPosting']", "main", "article"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return text, nil
			}
		}
	}
	return doc.Find("body").Text(), nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
