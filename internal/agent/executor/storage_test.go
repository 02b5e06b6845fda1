package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// objectGateway is a minimal in-memory object store speaking the http storage protocol.
type objectGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
}

func (g *objectGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auth = append(g.auth, r.Header.Get("Authorization"))

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/backups/":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"contents":[
			{"key":"sales_Full_20260104020000.dump.gz","lastModified":"2026-01-04T02:10:00Z"},
			{"key":"audit_Full_20260104020000.dump.gz","lastModified":"2026-01-04T02:05:00Z"}
		]}`)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		g.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet:
		body, ok := g.objects[r.URL.Path]
		if !ok {
			http.Error(w, "no such key", http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newGateway(t *testing.T) (*objectGateway, model.StorageSettings) {
	t.Helper()
	g := &objectGateway{objects: map[string][]byte{}}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, model.StorageSettings{
		Kind:           model.StorageHTTP,
		BaseURL:        srv.URL,
		Path:           "backups",
		Token:          "gw-token",
		ListExpression: "contents[].{name: key, modified: lastModified}",
	}
}

func TestHTTPStorage_ListProjectsWithExpression(t *testing.T) {
	g, settings := newGateway(t)
	st, err := NewStorage(settings, afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	files, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "audit_Full_20260104020000.dump.gz", files[0].Name)
	assert.Equal(t, "backups/audit_Full_20260104020000.dump.gz", files[0].Path)
	assert.Equal(t, time.Date(2026, 1, 4, 2, 5, 0, 0, time.UTC), files[0].ModifiedAt)
	assert.True(t, files[0].HasAccess)
	assert.Equal(t, "sales_Full_20260104020000.dump.gz", files[1].Name)
	assert.Equal(t, []string{"Bearer gw-token"}, g.auth)
}

func TestHTTPStorage_UploadThenDownload(t *testing.T) {
	g, settings := newGateway(t)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/sales.dump.gz", []byte("payload"), 0o600))
	st, err := NewStorage(settings, fs, nil)
	require.NoError(t, err)

	loc, err := st.Upload(context.Background(), "/work/sales.dump.gz")
	require.NoError(t, err)
	assert.Equal(t, "backups/sales.dump.gz", loc)
	assert.Equal(t, []byte("payload"), g.objects["/backups/sales.dump.gz"])

	local, err := st.Download(context.Background(), loc, "/restore")
	require.NoError(t, err)
	assert.Equal(t, "/restore/sales.dump.gz", local)
	data, err := afero.ReadFile(fs, local)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = st.Download(context.Background(), "backups/missing.gz", "/restore")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestNewStorage_Validation(t *testing.T) {
	fs := afero.NewMemMapFs()
	tests := []struct {
		name     string
		settings model.StorageSettings
	}{
		{"filesystem without path", model.StorageSettings{Kind: model.StorageFilesystem}},
		{"http without base url", model.StorageSettings{Kind: model.StorageHTTP}},
		{"bad list expression", model.StorageSettings{Kind: model.StorageHTTP, BaseURL: "http://x", ListExpression: "[[["}},
		{"unknown kind", model.StorageSettings{Kind: "tape", Path: "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStorage(tt.settings, fs, nil)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestFilesystemStorage_ListSkipsPartialsAndDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/b/zeta_Full_20260101000000.dump", []byte("z"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/b/alpha_Full_20260101000000.dump", []byte("a"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/b/beta_Full_20260101000000.dump.part", []byte("b"), 0o600))
	require.NoError(t, fs.MkdirAll("/b/archive", 0o750))

	st, err := NewStorage(model.StorageSettings{Kind: model.StorageFilesystem, Path: "/b"}, fs, nil)
	require.NoError(t, err)
	files, err := st.List(context.Background())
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, "alpha_Full_20260101000000.dump", files[0].Name)
	assert.Equal(t, "/b/alpha_Full_20260101000000.dump", files[0].Path)
	assert.True(t, files[0].HasAccess)
	assert.Equal(t, "zeta_Full_20260101000000.dump", files[1].Name)
}

func TestProjectListing_WithoutExpression(t *testing.T) {
	doc := []any{map[string]any{"name": "a.dump", "modified": "2026-01-01T00:00:00Z"}}
	entries, err := projectListing(doc, "")
	require.NoError(t, err)
	assert.Equal(t, []listedFile{{Name: "a.dump", Modified: "2026-01-01T00:00:00Z"}}, entries)

	_, err = projectListing(map[string]any{"name": "x"}, "")
	require.Error(t, err)
}
