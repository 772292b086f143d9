// Package datafinder locates the input files of datasets on the local
// filesystem and in remote archives.
package datafinder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/internal/timerange"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

// LocalFinder searches root directories laid out according to a project's
// data reference syntax (DRS).
type LocalFinder struct {
	projects  *registry.ProjectRegistry
	rootpaths map[string][]string
	drs       map[string]string
	logger    *slog.Logger
}

// LocalConfig holds the options of a LocalFinder.
type LocalConfig struct {
	Projects *registry.ProjectRegistry
	// RootPaths maps a project to its root directories; "default" applies
	// to projects without an entry.
	RootPaths map[string][]string
	// DRS maps a project to the name of its directory layout.
	DRS    map[string]string
	Logger *slog.Logger
}

// NewLocalFinder creates a finder for local data.
func NewLocalFinder(cfg LocalConfig) *LocalFinder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalFinder{
		projects:  cfg.Projects,
		rootpaths: cfg.RootPaths,
		drs:       cfg.DRS,
		logger:    logger,
	}
}

func (f *LocalFinder) roots(project string) []string {
	if roots, ok := f.rootpaths[project]; ok {
		return roots
	}
	return f.rootpaths["default"]
}

// FindFiles implements dataset.Finder.
func (f *LocalFinder) FindFiles(ctx context.Context, facets dataset.Facets) (dataset.SearchResult, error) {
	var result dataset.SearchResult
	projectName := facets.String(dataset.Project)
	project, status := f.projects.Project(projectName)
	if status != registry.Found {
		return result, core.Configf("Unknown project '%s', please configure it in the project configuration", projectName)
	}

	values := facets.Map()
	// A wildcard time range cannot be used in templates; it is resolved from
	// the files found.
	tr := facets.String(dataset.Timerange)
	delete(values, dataset.Timerange)

	dirTemplate := project.InputDirTemplate(f.drs[projectName])
	dirs, err := registry.ExpandTemplate(strings.ReplaceAll(dirTemplate, "{latestversion}", "{version}"), values)
	if err != nil {
		return result, err
	}
	var patterns []string
	for _, t := range project.InputFile {
		p, err := registry.ExpandTemplate(t, values)
		if err != nil {
			return result, err
		}
		patterns = append(patterns, p...)
	}

	defaults := facetDefaults(values, append([]string{dirTemplate}, project.InputFile...))
	seen := make(map[string]bool)
	for _, root := range f.roots(projectName) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		for _, dir := range dirs {
			for _, pattern := range patterns {
				glob := filepath.Join(root, dir, pattern)
				result.Searched = append(result.Searched, glob)
				matches, err := filepath.Glob(glob)
				if err != nil {
					return result, err
				}
				for _, m := range matches {
					if seen[m] {
						continue
					}
					seen[m] = true
					info, err := os.Stat(m)
					if err != nil || info.IsDir() {
						continue
					}
					rel, err := filepath.Rel(root, m)
					if err != nil {
						rel = m
					}
					file := dataset.File{
						Path:   m,
						Name:   filepath.Base(m),
						Facets: fileFacets(filepath.Base(m), project.InputFile),
						Size:   info.Size(),
					}
					for k, v := range pathFacets(rel, dirTemplate) {
						file.Facets[k] = v
					}
					for k, v := range defaults {
						if _, ok := file.Facets[k]; !ok {
							file.Facets[k] = v
						}
					}
					result.Files = append(result.Files, file)
				}
			}
		}
	}
	if strings.Contains(dirTemplate, "{latestversion}") {
		result.Files = latestVersion(result.Files)
	}

	if tr != "" && !timerange.HasWildcard(tr) {
		result.Files, err = selectFiles(result.Files, tr)
		if err != nil {
			return result, err
		}
	}

	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	f.logger.Debug("searched local files",
		slog.String("project", projectName),
		slog.Int("found", len(result.Files)),
		slog.Int("patterns", len(result.Searched)))
	if len(result.Files) == 0 {
		return result, core.FilesNotFoundf("No files found matching %s", strings.Join(result.Searched, ", "))
	}
	return result, nil
}

// facetDefaults returns the concrete scalar facets used in the templates;
// they hold for every file found.
func facetDefaults(values map[string]any, templates []string) map[string]any {
	out := make(map[string]any)
	for k, v := range values {
		s, ok := v.(string)
		if !ok || dataset.IsGlob(s) {
			continue
		}
		for _, t := range templates {
			if strings.Contains(t, "{"+k+"}") || strings.Contains(t, "{"+k+".") {
				out[k] = s
				break
			}
		}
	}
	return out
}

// pathFacets reads facet values from the directory components of rel that
// correspond to single-placeholder components of the template.
func pathFacets(rel, dirTemplate string) map[string]any {
	facets := make(map[string]any)
	tmpl := strings.Split(strings.Trim(dirTemplate, "/"), "/")
	parts := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	if len(tmpl) == 0 || len(parts) < len(tmpl) {
		return facets
	}
	parts = parts[len(parts)-len(tmpl):]
	for i, t := range tmpl {
		if !strings.HasPrefix(t, "{") || !strings.HasSuffix(t, "}") || strings.Count(t, "{") != 1 {
			continue
		}
		key, _, _ := strings.Cut(t[1:len(t)-1], ".")
		if key == "latestversion" {
			key = dataset.Version
		}
		facets[key] = parts[i]
	}
	return facets
}

var placeholderRe = regexp.MustCompile(`\{([^}.]*)(\.[a-z]+)?\}`)

// fileFacets reads facet values from a file name using the first file name
// template that matches it.
func fileFacets(name string, templates []string) map[string]any {
	for _, t := range templates {
		keys, re := templateRegexp(t)
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		facets := make(map[string]any, len(keys))
		for i, k := range keys {
			if _, dup := facets[k]; !dup {
				facets[k] = m[i+1]
			}
		}
		return facets
	}
	return make(map[string]any)
}

// templateRegexp turns a file name template with shell wildcards into a
// regular expression with one group per placeholder.
func templateRegexp(t string) ([]string, *regexp.Regexp) {
	var keys []string
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(t); i++ {
		switch c := t[i]; c {
		case '{':
			loc := placeholderRe.FindStringSubmatchIndex(t[i:])
			if loc == nil || loc[0] != 0 {
				sb.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			keys = append(keys, t[i+loc[2]:i+loc[3]])
			sb.WriteString("([^_/]+)")
			i += loc[1] - 1
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(t[i:], ']')
			if end < 0 {
				sb.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			sb.WriteString(t[i : i+end+1])
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, regexp.MustCompile("^$")
	}
	return keys, re
}

// latestVersion keeps only the files of the highest version.
func latestVersion(files []dataset.File) []dataset.File {
	latest := ""
	for _, f := range files {
		if v := f.Version(); v > latest {
			latest = v
		}
	}
	var out []dataset.File
	for _, f := range files {
		if f.Version() == latest {
			out = append(out, f)
		}
	}
	return out
}

// selectFiles keeps the files whose dates overlap tr. Files without dates
// in their name (e.g. fx variables) are always kept.
func selectFiles(files []dataset.File, tr string) ([]dataset.File, error) {
	var out []dataset.File
	for _, f := range files {
		start, end, ok := timerange.FromFilename(f.Name)
		if !ok {
			out = append(out, f)
			continue
		}
		overlaps, err := timerange.Overlaps(tr, start, end)
		if err != nil {
			return nil, err
		}
		if overlaps {
			out = append(out, f)
		}
	}
	return out, nil
}
