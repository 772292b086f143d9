package datafinder

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/esmflow/internal/dataset"
	"github.com/leapstack-labs/esmflow/internal/registry"
	"github.com/leapstack-labs/esmflow/pkg/core"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func facets(t *testing.T, m map[string]any) dataset.Facets {
	t.Helper()
	f, err := dataset.NewFacets(m)
	require.NoError(t, err)
	return f
}

func cmip6Facets(t *testing.T, extra map[string]any) dataset.Facets {
	m := map[string]any{
		"project":    "CMIP6",
		"activity":   "CMIP",
		"institute":  "INST",
		"dataset":    "MODEL",
		"exp":        "historical",
		"ensemble":   "r1i1p1f1",
		"mip":        "Amon",
		"short_name": "tas",
		"grid":       "gn",
	}
	for k, v := range extra {
		m[k] = v
	}
	return facets(t, m)
}

func newLocal(root string) *LocalFinder {
	return NewLocalFinder(LocalConfig{
		Projects:  registry.DefaultProjects(),
		RootPaths: map[string][]string{"CMIP6": {root}},
		DRS:       map[string]string{"CMIP6": "ESGF"},
	})
}

func writeCMIP6Tree(t *testing.T) string {
	root := t.TempDir()
	dir := filepath.Join(root, "CMIP6/CMIP/INST/MODEL/historical/r1i1p1f1/Amon/tas/gn")
	touch(t, filepath.Join(dir, "v20190101", "tas_Amon_MODEL_historical_r1i1p1f1_gn_185001-189912.nc"))
	touch(t, filepath.Join(dir, "v20190101", "tas_Amon_MODEL_historical_r1i1p1f1_gn_190001-194912.nc"))
	touch(t, filepath.Join(dir, "v20200101", "tas_Amon_MODEL_historical_r1i1p1f1_gn_195001-201412.nc"))
	return root
}

func TestLocalFinder_FindFiles(t *testing.T) {
	root := writeCMIP6Tree(t)
	finder := newLocal(root)

	result, err := finder.FindFiles(context.Background(), cmip6Facets(t, nil))
	require.NoError(t, err)
	require.Len(t, result.Files, 3)
	assert.Equal(t, "tas_Amon_MODEL_historical_r1i1p1f1_gn_185001-189912.nc", result.Files[0].Name)
	assert.Equal(t, "v20190101", result.Files[0].Version())
	assert.Equal(t, "v20200101", result.Files[2].Version())
	assert.Equal(t, "MODEL", result.Files[0].Facets["dataset"])
	assert.NotEmpty(t, result.Searched)
}

func TestLocalFinder_Timerange(t *testing.T) {
	finder := newLocal(writeCMIP6Tree(t))

	result, err := finder.FindFiles(context.Background(), cmip6Facets(t, map[string]any{"timerange": "1920/1960"}))
	require.NoError(t, err)
	require.Len(t, result.Files, 2)
	assert.Contains(t, result.Files[0].Name, "190001-194912")
	assert.Contains(t, result.Files[1].Name, "195001-201412")

	// A wildcard time range does not filter.
	result, err = finder.FindFiles(context.Background(), cmip6Facets(t, map[string]any{"timerange": "*"}))
	require.NoError(t, err)
	assert.Len(t, result.Files, 3)
}

func TestLocalFinder_Glob(t *testing.T) {
	root := writeCMIP6Tree(t)
	touch(t, filepath.Join(root, "CMIP6/CMIP/INST/OTHER/historical/r1i1p1f1/Amon/tas/gn/v1/tas_Amon_OTHER_historical_r1i1p1f1_gn_185001-201412.nc"))
	finder := newLocal(root)

	result, err := finder.FindFiles(context.Background(), cmip6Facets(t, map[string]any{"dataset": "*"}))
	require.NoError(t, err)
	require.Len(t, result.Files, 4)
	names := map[any]bool{}
	for _, f := range result.Files {
		names[f.Facets["dataset"]] = true
	}
	assert.Equal(t, map[any]bool{"MODEL": true, "OTHER": true}, names)
}

func TestLocalFinder_NotFound(t *testing.T) {
	finder := newLocal(t.TempDir())

	result, err := finder.FindFiles(context.Background(), cmip6Facets(t, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInputFilesNotFound))
	assert.Empty(t, result.Files)
	require.Len(t, result.Searched, 1)
	assert.Contains(t, result.Searched[0], "tas_Amon_MODEL_historical_r1i1p1f1_gn*.nc")
}

func TestLocalFinder_UnknownProject(t *testing.T) {
	finder := newLocal(t.TempDir())
	_, err := finder.FindFiles(context.Background(), facets(t, map[string]any{"project": "NOPE"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestFileFacets(t *testing.T) {
	got := fileFacets("tas_Amon_MODEL_historical_r1i1p1f1_gn_185001-201412.nc",
		[]string{"{short_name}_{mip}_{dataset}_{exp}_{ensemble}_{grid}*.nc"})
	assert.Equal(t, map[string]any{
		"short_name": "tas", "mip": "Amon", "dataset": "MODEL",
		"exp": "historical", "ensemble": "r1i1p1f1", "grid": "gn",
	}, got)

	got = fileFacets("areacella_fx_MODEL_historical_r0i0p0.nc", []string{"{short_name}_{mip}_{dataset}_{exp}_{ensemble}*.nc"})
	assert.Equal(t, "r0i0p0", got["ensemble"])

	assert.Empty(t, fileFacets("README", []string{"{short_name}_{mip}*.nc"}))
}

type fakeSearcher struct {
	files []dataset.File
	calls int
}

func (s *fakeSearcher) Supports(project string) bool { return project == "CMIP6" }

func (s *fakeSearcher) Search(context.Context, dataset.Facets) ([]dataset.File, error) {
	s.calls++
	if len(s.files) == 0 {
		return nil, core.FilesNotFoundf("none")
	}
	return s.files, nil
}

func remoteFile(name, version string) dataset.File {
	return dataset.File{
		Path:   "https://example.org/" + name,
		Name:   name,
		Remote: true,
		Dest:   "CMIP6/" + version,
		Facets: map[string]any{"version": version},
	}
}

func TestMergeFinder(t *testing.T) {
	ctx := context.Background()
	local := newLocal(writeCMIP6Tree(t))

	t.Run("local data is enough", func(t *testing.T) {
		remote := &fakeSearcher{files: []dataset.File{remoteFile("x.nc", "v1")}}
		m := NewMergeFinder(MergeConfig{Local: local, Remote: remote})
		result, err := m.FindFiles(ctx, cmip6Facets(t, nil))
		require.NoError(t, err)
		assert.Len(t, result.Files, 3)
		assert.Equal(t, 0, remote.calls)
	})

	t.Run("missing years trigger a remote search", func(t *testing.T) {
		remote := &fakeSearcher{files: []dataset.File{remoteFile("tas_Amon_MODEL_historical_r1i1p1f1_gn_201501-210012.nc", "v1")}}
		m := NewMergeFinder(MergeConfig{Local: local, Remote: remote})
		result, err := m.FindFiles(ctx, cmip6Facets(t, map[string]any{"timerange": "2000/2050"}))
		require.NoError(t, err)
		assert.Equal(t, 1, remote.calls)
		require.Len(t, result.Files, 2)
		assert.True(t, result.Files[1].Remote)
		assert.Contains(t, result.Searched, "remote index:")
	})

	t.Run("offline never searches", func(t *testing.T) {
		remote := &fakeSearcher{files: []dataset.File{remoteFile("x.nc", "v1")}}
		m := NewMergeFinder(MergeConfig{Local: newLocal(t.TempDir()), Remote: remote, Offline: true})
		_, err := m.FindFiles(ctx, cmip6Facets(t, nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInputFilesNotFound))
		assert.Equal(t, 0, remote.calls)
	})

	t.Run("newer remote version replaces local file", func(t *testing.T) {
		name := "tas_Amon_MODEL_historical_r1i1p1f1_gn_185001-189912.nc"
		remote := &fakeSearcher{files: []dataset.File{remoteFile(name, "v20990101")}}
		m := NewMergeFinder(MergeConfig{Local: local, Remote: remote, DownloadLatest: true})
		result, err := m.FindFiles(ctx, cmip6Facets(t, nil))
		require.NoError(t, err)
		require.Len(t, result.Files, 3)
		assert.True(t, result.Files[0].Remote)
		assert.Equal(t, "v20990101", result.Files[0].Version())
	})
}

func TestIndexClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "tas", r.URL.Query().Get("short_name"))
		assert.Empty(t, r.URL.Query().Get("timerange"))
		_, _ = w.Write([]byte(`{"files": [
			{"name": "tas_Amon_M_historical_r1i1p1f1_gn_200001-200912.nc", "url": "http://x/a.nc", "dest": "CMIP6/v1", "size": 4, "facets": {"version": "v1"}},
			{"name": "tas_Amon_M_historical_r1i1p1f1_gn_190001-190912.nc", "url": "http://x/b.nc", "dest": "CMIP6/v1", "size": 4, "facets": {"version": "v1"}}
		]}`))
	}))
	defer srv.Close()

	c := NewIndexClient(IndexConfig{BaseURL: srv.URL, Projects: []string{"CMIP6"}})
	assert.True(t, c.Supports("CMIP6"))
	assert.False(t, c.Supports("CMIP5"))

	files, err := c.Search(context.Background(), facets(t, map[string]any{"short_name": "tas", "timerange": "2000/2005"}))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Remote)
	assert.Equal(t, "http://x/a.nc", files[0].Path)
	assert.Equal(t, "v1", files[0].Version())
}

func TestIndexClient_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewIndexClient(IndexConfig{BaseURL: srv.URL})
	_, err := c.Search(context.Background(), facets(t, map[string]any{"short_name": "tas"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestDownloadRegistry(t *testing.T) {
	r := NewDownloadRegistry()
	r.Add(remoteFile("b.nc", "v1"))
	r.Add(remoteFile("a.nc", "v1"))
	r.Add(remoteFile("a.nc", "v1"))

	assert.Equal(t, 2, r.Len())
	snap := r.Snapshot()
	assert.Equal(t, "a.nc", snap[0].Name)
	assert.Equal(t, "b.nc", snap[1].Name)

	r.Reset()
	assert.Equal(t, 0, r.Len())
}

func TestDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	files := []dataset.File{
		{Path: srv.URL + "/a.nc", Name: "a.nc", Dest: "CMIP6/v1", Remote: true},
		{Path: srv.URL + "/b.nc", Name: "b.nc", Dest: "CMIP6/v1", Remote: true},
	}
	var progress bytes.Buffer
	d := &Downloader{Dir: dir, Parallel: 2, Progress: &progress}
	require.NoError(t, d.Download(context.Background(), files))

	data, err := os.ReadFile(filepath.Join(dir, "CMIP6/v1/a.nc"))
	require.NoError(t, err)
	assert.Equal(t, "content of /a.nc", string(data))
	_, err = os.Stat(filepath.Join(dir, "CMIP6/v1/b.nc"))
	assert.NoError(t, err)

	// Present files are not downloaded again.
	srv.Close()
	require.NoError(t, d.Download(context.Background(), files))
}
