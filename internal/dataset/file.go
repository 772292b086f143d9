package dataset

import (
	"context"
	"path/filepath"
	"strings"
)

// File is one physical input file, local or available from a remote archive.
type File struct {
	// Path is the local path, or the URL of a remote file.
	Path string
	// Name is the base name of the file.
	Name string
	// Facets are the facets recovered from the file's location.
	Facets map[string]any
	// Remote is set for files that still need to be downloaded.
	Remote bool
	// Dest is the directory, relative to the download directory, a remote
	// file is stored in once downloaded.
	Dest string
	// Size in bytes, when known.
	Size int64
}

// LocalFile returns the file as it will exist after downloading it into
// downloadDir.
func (f File) LocalFile(downloadDir string) File {
	local := f
	local.Remote = false
	local.Path = filepath.Join(downloadDir, f.Dest, f.Name)
	return local
}

// Version returns the file's version facet, if any.
func (f File) Version() string {
	v, _ := f.Facets[Version].(string)
	return v
}

func (f File) String() string {
	if f.Remote {
		return f.Path + " (will be downloaded)"
	}
	return f.Path
}

// SearchResult is the outcome of a file search.
type SearchResult struct {
	Files []File
	// Searched lists the directories and patterns that were searched.
	Searched []string
}

// Finder locates the files matching a set of facets. Implementations must
// return the same result for identical facets. A search without results may
// either return an empty result or an error wrapping
// core.ErrInputFilesNotFound; any other error is an I/O failure.
type Finder interface {
	FindFiles(ctx context.Context, facets Facets) (SearchResult, error)
}

// FinderFunc adapts a function to the Finder interface.
type FinderFunc func(ctx context.Context, facets Facets) (SearchResult, error)

// FindFiles calls fn.
func (fn FinderFunc) FindFiles(ctx context.Context, facets Facets) (SearchResult, error) {
	return fn(ctx, facets)
}

func filesText(files []File) string {
	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}
