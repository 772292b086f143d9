package datafinder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// MergeFinder combines local files with files from a remote archive.
//
// The archive is searched when the session is online and either the local
// files do not cover the request or the latest data is requested. Remote
// files missing locally are added; remote files with a newer version than
// their local copy replace it.
type MergeFinder struct {
	local          dataset.Finder
	remote         Searcher
	offline        bool
	downloadLatest bool
	logger         *slog.Logger
}

// MergeConfig holds the options of a MergeFinder.
type MergeConfig struct {
	Local          dataset.Finder
	Remote         Searcher
	Offline        bool
	DownloadLatest bool
	Logger         *slog.Logger
}

// NewMergeFinder creates a finder over local and remote data.
func NewMergeFinder(cfg MergeConfig) *MergeFinder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MergeFinder{
		local:          cfg.Local,
		remote:         cfg.Remote,
		offline:        cfg.Offline,
		downloadLatest: cfg.DownloadLatest,
		logger:         logger,
	}
}

// FindFiles implements dataset.Finder.
func (m *MergeFinder) FindFiles(ctx context.Context, facets dataset.Facets) (dataset.SearchResult, error) {
	result, err := m.local.FindFiles(ctx, facets)
	if err != nil && !errors.Is(err, core.ErrInputFilesNotFound) {
		return result, err
	}
	if !m.shouldSearchRemote(facets, result.Files) {
		return result, err
	}

	result.Searched = append(result.Searched, "remote index:")
	remote, rerr := m.remote.Search(ctx, facets)
	if rerr != nil {
		if !errors.Is(rerr, core.ErrInputFilesNotFound) {
			return result, fmt.Errorf("remote search: %w", rerr)
		}
		return result, err
	}
	result.Files = merge(result.Files, remote)
	m.logger.Debug("merged remote search results",
		slog.String("dataset", facets.String(dataset.Name)),
		slog.Int("remote", len(remote)),
		slog.Int("total", len(result.Files)))
	if len(result.Files) == 0 {
		return result, err
	}
	return result, nil
}

func (m *MergeFinder) shouldSearchRemote(facets dataset.Facets, local []dataset.File) bool {
	if m.offline || m.remote == nil || !m.remote.Supports(facets.String(dataset.Project)) {
		return false
	}
	if m.downloadLatest || len(local) == 0 {
		return true
	}
	if tr := facets.String(dataset.Timerange); tr != "" {
		return dataset.CheckYears(local, tr) != nil
	}
	return false
}

func merge(local, remote []dataset.File) []dataset.File {
	byName := make(map[string]int, len(local))
	for i, f := range local {
		byName[f.Name] = i
	}
	out := append([]dataset.File(nil), local...)
	for _, r := range remote {
		i, ok := byName[r.Name]
		if !ok {
			out = append(out, r)
			continue
		}
		if lv := out[i].Version(); lv != "" && r.Version() > lv {
			out[i] = r
		}
	}
	return out
}
