package datafinder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// Searcher queries a remote archive for the files of a dataset.
type Searcher interface {
	// Supports reports whether the archive holds data of a project.
	Supports(project string) bool
	Search(ctx context.Context, facets dataset.Facets) ([]dataset.File, error)
}

// IndexClient searches a remote file index over HTTP. The index answers
// GET <base>/search?<facet>=<value>... with a JSON document listing files.
type IndexClient struct {
	baseURL     string
	projects    map[string]bool
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// IndexConfig holds the options of an IndexClient.
type IndexConfig struct {
	BaseURL string
	// Projects lists the projects the index serves.
	Projects    []string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// NewIndexClient creates a client for a remote file index.
func NewIndexClient(cfg IndexConfig) *IndexClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	projects := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects[p] = true
	}
	return &IndexClient{
		baseURL:     cfg.BaseURL,
		projects:    projects,
		client:      &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      cfg.Logger,
	}
}

// Supports implements Searcher.
func (c *IndexClient) Supports(project string) bool { return c.projects[project] }

type indexFile struct {
	Name   string         `json:"name"`
	URL    string         `json:"url"`
	Dest   string         `json:"dest"`
	Size   int64          `json:"size"`
	Facets map[string]any `json:"facets"`
}

type indexResponse struct {
	Files []indexFile `json:"files"`
}

// Search implements Searcher.
func (c *IndexClient) Search(ctx context.Context, facets dataset.Facets) ([]dataset.File, error) {
	query := url.Values{}
	for _, k := range facets.Keys() {
		if k == dataset.Timerange {
			continue
		}
		for _, v := range facets.Strings(k) {
			query.Add(k, v)
		}
	}
	u := c.baseURL + "/search?" + query.Encode()

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var resp indexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}

	files := make([]dataset.File, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, dataset.File{
			Path:   f.URL,
			Name:   f.Name,
			Facets: f.Facets,
			Remote: true,
			Dest:   f.Dest,
			Size:   f.Size,
		})
	}
	if tr := facets.String(dataset.Timerange); tr != "" {
		if files, err = selectFiles(files, tr); err != nil {
			return nil, err
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	if len(files) == 0 {
		return nil, core.FilesNotFoundf("No files found in remote index %s", c.baseURL)
	}
	return files, nil
}

func (c *IndexClient) get(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying remote search", slog.String("url", u), slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		default:
			return nil, fmt.Errorf("remote search failed: HTTP %d: %s", resp.StatusCode, resp.Status)
		}
	}
	return nil, fmt.Errorf("remote search failed after %d attempts: %w", c.maxAttempts, lastErr)
}
