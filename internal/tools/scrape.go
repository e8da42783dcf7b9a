package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultMaxBody   = 4 << 20
)

// Retriever fetches web pages for scrape_website.
type Retriever struct {
	client    *http.Client
	log       zerolog.Logger
	UserAgent string
	MaxBody   int64
}

// NewRetriever returns a retriever whose requests time out after timeout.
// A zero timeout means 20s.
func NewRetriever(log zerolog.Logger, timeout time.Duration) *Retriever {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          16,
		IdleConnTimeout:       60 * time.Second,
	}
	return &Retriever{
		client:    &http.Client{Transport: tr, Timeout: timeout},
		log:       log.With().Str("component", "tools").Logger(),
		UserAgent: defaultUserAgent,
		MaxBody:   defaultMaxBody,
	}
}

// Fetch downloads url and converts it to text. Non-HTML bodies are returned
// as-is when they are valid UTF-8.
func (r *Retriever) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", r.UserAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body := io.LimitReader(resp.Body, r.MaxBody)
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.Contains(ct, "html") {
		return HTMLToText(body)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", url, ct)
	}
	return string(b), nil
}

// Scrape fetches every url and renders the results as one markdown document.
func (r *Retriever) Scrape(ctx context.Context, urls []string) (string, error) {
	var b strings.Builder
	b.WriteString("# Internet results\n\n")
	for _, u := range urls {
		r.log.Info().Str("url", u).Msg("scraping")
		text, err := r.Fetch(ctx, u)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s\n\nContent:\n```markdown\n%s\n```\n\n", u, text)
	}
	return b.String(), nil
}

// Trim fits retrieved text into what is left of a model context of ctxSize
// after a prompt of promptLen characters.
func Trim(text string, ctxSize, promptLen int) (string, error) {
	limit := ctxSize - promptLen - 1
	if limit <= 0 {
		return "", ErrContextExhausted
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text, nil
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i], nil
		}
		n++
	}
	return text, nil
}
