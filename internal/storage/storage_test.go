package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/config"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func TestLocalUploadOverwritesSamePublicID(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(filepath.Join(root, "files"), "http://localhost:8081/files/")
	require.NoError(t, err)

	src := filepath.Join(root, "out.bin")
	require.NoError(t, os.WriteFile(src, pngHeader, 0o640))

	obj, err := store.Upload(context.Background(), src, UploadOptions{PublicID: "resize/task-1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081/files/resize/task-1.png", obj.URL)
	assert.Equal(t, "resize/task-1", obj.PublicID)
	assert.Empty(t, obj.SecureURL)
	assert.Equal(t, obj.URL, obj.PreferredURL())
	assert.Equal(t, int64(len(pngHeader)), obj.Bytes)

	again, err := store.Upload(context.Background(), src, UploadOptions{PublicID: "resize/task-1"})
	require.NoError(t, err)
	assert.Equal(t, obj.URL, again.URL)

	entries, err := os.ReadDir(filepath.Join(root, "files", "resize"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalUploadUsesExplicitFormat(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "https://cdn.local")
	require.NoError(t, err)
	src := filepath.Join(root, "doc.tmp")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7\n"), 0o640))

	obj, err := store.Upload(context.Background(), src, UploadOptions{PublicID: "merged_t1", Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.local/merged_t1.pdf", obj.SecureURL)
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "  ", "../x", "a/../../x", ".."} {
		_, err := sanitizeKey(key)
		assert.Error(t, err, key)
	}
	k, err := sanitizeKey("/a//b/./c.png")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.png", k)
}

func TestVerifierFallsBackOnForbidden(t *testing.T) {
	secure := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer secure.Close()

	v := NewVerifier(secure.Client(), zerolog.Nop())
	url, err := v.Resolve(context.Background(), &Object{SecureURL: secure.URL + "/doc.pdf", URL: "http://alt/doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "http://alt/doc.pdf", url)

	_, err = v.Resolve(context.Background(), &Object{SecureURL: secure.URL + "/doc.pdf"})
	assert.Error(t, err)
}

func TestVerifierAcceptsReachableURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	url, err := NewVerifier(srv.Client(), zerolog.Nop()).Resolve(context.Background(), &Object{SecureURL: srv.URL + "/ok", URL: "http://alt"})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/ok", url)
}

func TestNewSelectsDriver(t *testing.T) {
	up, err := New(&config.Config{StorageDriver: config.StorageDriverLocal, LocalStorageDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, up)

	_, err = New(&config.Config{StorageDriver: config.StorageDriverCloudinary})
	assert.Error(t, err)

	_, err = New(&config.Config{StorageDriver: "s3"})
	assert.Error(t, err)
}

func TestCloudinaryUploadParams(t *testing.T) {
	params := uploadParams(UploadOptions{PublicID: "resize/t1", Format: "png"})
	assert.Equal(t, "resize/t1", params.PublicID)
	assert.Equal(t, ResourceImage, params.ResourceType)
	assert.Equal(t, api.Upload, params.Type)
	assert.Equal(t, "png", params.Format)
	require.NotNil(t, params.Overwrite)
	assert.True(t, *params.Overwrite)
	require.NotNil(t, params.Invalidate)
	assert.True(t, *params.Invalidate)

	params = uploadParams(UploadOptions{PublicID: "assemble-pdf/t1/merged_t1", ResourceType: ResourceAuto, Format: "pdf"})
	assert.Equal(t, ResourceAuto, params.ResourceType)
}
