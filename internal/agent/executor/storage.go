package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/spf13/afero"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// Storage is where upload stages put artifacts and download stages fetch them from.
type Storage interface {
	List(ctx context.Context) ([]model.FileInfo, error)
	// Upload copies a local file into storage and returns its location.
	Upload(ctx context.Context, localPath string) (string, error)
	// Download fetches location into destDir and returns the local path.
	Download(ctx context.Context, location, destDir string) (string, error)
}

// NewStorage builds the backend selected by settings.Kind. The filesystem backend and all
// local reads and writes go through fs.
func NewStorage(settings model.StorageSettings, fs afero.Fs, client *http.Client) (Storage, error) {
	switch settings.Kind {
	case model.StorageFilesystem, "":
		if settings.Path == "" {
			return nil, apperrors.ValidationField("storage.path", "filesystem storage requires a path")
		}
		return &filesystemStorage{fs: fs, root: settings.Path}, nil
	case model.StorageHTTP:
		if settings.BaseURL == "" {
			return nil, apperrors.ValidationField("storage.base_url", "http storage requires a base url")
		}
		if settings.ListExpression != "" {
			if _, err := jmespath.Compile(settings.ListExpression); err != nil {
				return nil, apperrors.ValidationField("storage.list_expression", err.Error())
			}
		}
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Minute}
		}
		return &httpStorage{fs: fs, client: client, settings: settings}, nil
	}
	return nil, apperrors.Validationf("unknown storage kind %q", settings.Kind)
}

func sortFiles(files []model.FileInfo) []model.FileInfo {
	sort.SliceStable(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// filesystemStorage stores artifacts as plain files under root.
type filesystemStorage struct {
	fs   afero.Fs
	root string
}

func (s *filesystemStorage) List(_ context.Context) ([]model.FileInfo, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.root, err)
	}
	files := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialExt) {
			continue
		}
		p := filepath.Join(s.root, e.Name())
		files = append(files, model.FileInfo{
			Name:       e.Name(),
			Path:       p,
			ModifiedAt: e.ModTime().UTC(),
			HasAccess:  readable(s.fs, p),
		})
	}
	return sortFiles(files), nil
}

func (s *filesystemStorage) Upload(ctx context.Context, localPath string) (string, error) {
	if err := s.fs.MkdirAll(s.root, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", s.root, err)
	}
	dst := filepath.Join(s.root, filepath.Base(localPath))
	if err := copyFile(ctx, s.fs, localPath, dst); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return dst, nil
}

func (s *filesystemStorage) Download(ctx context.Context, location, destDir string) (string, error) {
	src := location
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.root, location)
	}
	if err := s.fs.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dst := filepath.Join(destDir, filepath.Base(src))
	if err := copyFile(ctx, s.fs, src, dst); err != nil {
		return "", fmt.Errorf("download %s: %w", location, err)
	}
	return dst, nil
}

func readable(fs afero.Fs, name string) bool {
	f, err := fs.Open(name)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func copyFile(ctx context.Context, fs afero.Fs, src, dst string) error {
	return transform(ctx, fs, src, dst, func(w io.Writer, r io.Reader) error {
		return copyContext(ctx, w, r)
	})
}

// httpStorage talks to an object gateway: GET <base>/<path>/ lists, PUT and GET on
// <base>/<path>/<name> store and fetch.
type httpStorage struct {
	fs       afero.Fs
	client   *http.Client
	settings model.StorageSettings
}

// listedFile is the shape the list expression must project each entry into.
type listedFile struct {
	Name     string `json:"name"`
	Modified string `json:"modified"`
	Path     string `json:"path"`
}

func (s *httpStorage) objectURL(elem ...string) (string, error) {
	base := strings.TrimSuffix(s.settings.BaseURL, "/")
	elems := append([]string{strings.Trim(s.settings.Path, "/")}, elem...)
	return url.JoinPath(base, elems...)
}

func (s *httpStorage) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if s.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.settings.Token)
	}
	if method == http.MethodGet {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (s *httpStorage) List(ctx context.Context) ([]model.FileInfo, error) {
	target, err := s.objectURL()
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodGet, strings.TrimSuffix(target, "/")+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("list storage: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode storage listing: %w", err)
	}
	entries, err := projectListing(doc, s.settings.ListExpression)
	if err != nil {
		return nil, err
	}

	files := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		f := model.FileInfo{Name: e.Name, Path: e.Path, HasAccess: true}
		if e.Path == "" {
			f.Path = path.Join(strings.Trim(s.settings.Path, "/"), e.Name)
		}
		if e.Modified != "" {
			at, perr := time.Parse(time.RFC3339, e.Modified)
			if perr != nil {
				return nil, fmt.Errorf("entry %q: parse modified: %w", e.Name, perr)
			}
			f.ModifiedAt = at.UTC()
		}
		files = append(files, f)
	}
	return sortFiles(files), nil
}

// projectListing applies the optional JMESPath expression and decodes the projected entries.
func projectListing(doc any, expr string) ([]listedFile, error) {
	if strings.TrimSpace(expr) != "" {
		projected, err := jmespath.Search(expr, doc)
		if err != nil {
			return nil, fmt.Errorf("evaluate list expression: %w", err)
		}
		doc = projected
	}
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode projected listing: %w", err)
	}
	var entries []listedFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.New("list expression must yield an array of {name, modified, path}")
	}
	return entries, nil
}

func (s *httpStorage) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := s.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := filepath.Base(localPath)
	target, err := s.objectURL(name)
	if err != nil {
		return "", err
	}
	resp, err := s.do(ctx, http.MethodPut, target, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	_ = resp.Body.Close()
	return path.Join(strings.Trim(s.settings.Path, "/"), name), nil
}

func (s *httpStorage) Download(ctx context.Context, location, destDir string) (string, error) {
	target, err := url.JoinPath(strings.TrimSuffix(s.settings.BaseURL, "/"), strings.TrimPrefix(location, "/"))
	if err != nil {
		return "", err
	}
	resp, err := s.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", location, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := s.fs.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dst := filepath.Join(destDir, path.Base(location))
	tmp := dst + partialExt
	out, err := s.fs.Create(tmp)
	if err != nil {
		return "", err
	}
	if err := copyContext(ctx, out, resp.Body); err != nil {
		_ = out.Close()
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", location, err)
	}
	if err := out.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	return dst, s.fs.Rename(tmp, dst)
}
