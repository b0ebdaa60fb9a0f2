package scrape

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

// Fetcher is a plain HTTP scraper: it downloads each URL named by the
// job data and reports one page per fetched document. Jobs carry either
// "url" (single) or "urls" (list) in their data.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher; a nil client gets a 30 s default.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Scrape implements Scraper.
func (f *Fetcher) Scrape(ctx context.Context, job *store.ScrapeJob, report func(int)) (map[string]any, error) {
	urls := jobURLs(job)
	if len(urls) == 0 {
		return nil, zerr.New(zerr.KindIllegalTransition, "job %s has no url in its data", job.ID)
	}

	var bytesRead int64
	for i, url := range urls {
		n, err := f.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		bytesRead += n
		report(i + 1)
	}
	return map[string]any{
		"pages": len(urls),
		"bytes": bytesRead,
	}, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, zerr.Wrap(zerr.KindIllegalTransition, err, "build request for %s", url)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, zerr.Wrap(zerr.KindTransportUnavailable, err, "fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return 0, zerr.New(zerr.KindTransportUnavailable, "fetch %s: status %d", url, resp.StatusCode)
	}
	return io.Copy(io.Discard, resp.Body)
}

func jobURLs(job *store.ScrapeJob) []string {
	if url, ok := job.JobData["url"].(string); ok && url != "" {
		return []string{url}
	}
	raw, ok := job.JobData["urls"].([]any)
	if !ok {
		return nil
	}
	urls := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	return urls
}
