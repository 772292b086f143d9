package datafinder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/esmflow/internal/dataset"
)

// DownloadRegistry collects the remote files found while resolving a
// recipe. It is owned by one resolution run and reset at its start.
type DownloadRegistry struct {
	mu    sync.Mutex
	files map[string]dataset.File
}

// NewDownloadRegistry creates an empty registry.
func NewDownloadRegistry() *DownloadRegistry {
	return &DownloadRegistry{files: make(map[string]dataset.File)}
}

// Add registers a remote file.
func (r *DownloadRegistry) Add(f dataset.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.Path] = f
}

// Reset forgets all registered files.
func (r *DownloadRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = make(map[string]dataset.File)
}

// Len returns the number of registered files.
func (r *DownloadRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Snapshot returns the registered files sorted by name.
func (r *DownloadRegistry) Snapshot() []dataset.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dataset.File, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Downloader fetches remote files into the download directory.
type Downloader struct {
	Dir      string
	Parallel int
	Client   *http.Client
	// Progress receives a progress bar; nil disables it.
	Progress io.Writer
	Logger   *slog.Logger
}

// Download fetches files that are not present yet.
func (d *Downloader) Download(ctx context.Context, files []dataset.File) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	var todo []dataset.File
	var total int64
	for _, f := range files {
		local := f.LocalFile(d.Dir)
		if _, err := os.Stat(local.Path); err == nil {
			continue
		}
		todo = append(todo, f)
		total += f.Size
	}
	if len(todo) == 0 {
		return nil
	}
	logger.Info("downloading files", slog.Int("count", len(todo)), slog.Int64("bytes", total))

	var bar *progressbar.ProgressBar
	if d.Progress != nil {
		size := total
		if size <= 0 {
			size = -1
		}
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetDescription("Downloading"),
			progressbar.OptionSetWriter(d.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionEnableColorCodes(false),
		)
		defer func() { _ = bar.Finish() }()
	}

	g, ctx := errgroup.WithContext(ctx)
	if d.Parallel > 0 {
		g.SetLimit(d.Parallel)
	}
	for _, f := range todo {
		g.Go(func() error {
			if err := d.fetch(ctx, client, f, bar); err != nil {
				return fmt.Errorf("failed to download %s: %w", f.Name, err)
			}
			logger.Debug("downloaded file", slog.String("file", f.Name))
			return nil
		})
	}
	return g.Wait()
}

func (d *Downloader) fetch(ctx context.Context, client *http.Client, f dataset.File, bar *progressbar.ProgressBar) error {
	target := f.LocalFile(d.Dir).Path
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	var w io.Writer = out
	if bar != nil {
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}
