package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Local は成果物をローカルディレクトリへ保存します。開発環境用で、
// 運用APIの /files から配信します。
type Local struct {
	basePath string
	baseURL  string
	now      func() time.Time
}

// NewLocal は basePath をルートとする Local を作成します。
func NewLocal(basePath, baseURL string) (*Local, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &Local{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}, nil
}

// BasePath は保存先のルートディレクトリです。
func (s *Local) BasePath() string {
	return s.basePath
}

// Upload は path を <PublicID>.<ext> としてコピーします。同じ PublicID は上書きします。
func (s *Local) Upload(ctx context.Context, path string, opts UploadOptions) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	publicID := opts.PublicID
	if publicID == "" {
		publicID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	ext, err := extensionFor(path, opts.Format)
	if err != nil {
		return nil, err
	}
	key, err := sanitizeKey(publicID + ext)
	if err != nil {
		return nil, err
	}

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	size, err := copyFile(path, fullPath)
	if err != nil {
		return nil, fmt.Errorf("storage: write file: %w", err)
	}

	url := s.baseURL + "/" + key
	obj := &Object{
		URL:          url,
		PublicID:     strings.TrimSuffix(key, ext),
		Bytes:        size,
		CreatedAt:    s.now().UTC(),
		ResourceType: opts.ResourceType,
	}
	if strings.HasPrefix(url, "https://") {
		obj.SecureURL = url
	}
	return obj, nil
}

func extensionFor(path, format string) (string, error) {
	if format != "" {
		return "." + strings.TrimPrefix(strings.ToLower(format), "."), nil
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("storage: detect type: %w", err)
	}
	return mtype.Extension(), nil
}

// 一時ファイルに書いてから rename し、読み手に途中のファイルを見せない
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// sanitizeKey はキーを正規化し、ルート外への書き込みを防ぎます。
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
