package fetch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/task"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestFetchHTTP(t *testing.T) {
	body := pngBytes(t, 7, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body) //nolint:errcheck
	}))
	defer srv.Close()

	img, err := New(srv.Client(), 0, 0).Fetch(context.Background(), srv.URL+"/photos/cat.png?sig=abc")
	require.NoError(t, err)
	assert.Equal(t, "cat.png", img.Name)
	assert.Equal(t, "image/png", img.MIME)
	assert.Equal(t, int64(len(body)), img.Bytes)
	assert.Equal(t, 7, img.Image.Bounds().Dx())
}

func TestFetchLocalFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(p, pngBytes(t, 2, 2), 0o640))

	img, err := New(nil, 0, 0).Fetch(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "local.png", img.Name)
}

func TestFetchFailuresAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			w.WriteHeader(http.StatusNotFound)
		case "/text.png":
			w.Write([]byte("<html>not an image</html>")) //nolint:errcheck
		case "/big.png":
			w.Write(bytes.Repeat([]byte{0x89}, 64)) //nolint:errcheck
		}
	}))
	defer srv.Close()

	f := New(srv.Client(), 32, 0)
	for _, p := range []string{"/missing.png", "/text.png", "/big.png"} {
		_, err := f.Fetch(context.Background(), srv.URL+p)
		require.Error(t, err, p)
		var te *task.TransientError
		assert.True(t, errors.As(err, &te), "%s: %v", p, err)
	}

	_, err := f.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.png"))
	var te *task.TransientError
	assert.True(t, errors.As(err, &te))
}

func TestFetchEmptyRefIsValidation(t *testing.T) {
	_, err := New(nil, 0, 0).Fetch(context.Background(), "  ")
	assert.True(t, task.IsValidation(err))
}

// pngHeader は寸法だけを宣言した PNG（IHDR まで）を返します。
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 17)
	copy(ihdr, "IHDR")
	binary.BigEndian.PutUint32(ihdr[4:], w)
	binary.BigEndian.PutUint32(ihdr[8:], h)
	ihdr[12] = 8 // bit depth
	ihdr[13] = 6 // RGBA

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(13))               //nolint:errcheck
	buf.Write(ihdr)                                                //nolint:errcheck
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(ihdr)) //nolint:errcheck
	buf.Write(bytes.Repeat([]byte{0}, 64))                         //nolint:errcheck
	return buf.Bytes()
}

func TestFetchRejectsOversizedDimensionsBeforeDecode(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bomb.png")
	require.NoError(t, os.WriteFile(p, pngHeader(100000, 100000), 0o640))

	_, err := New(nil, 0, 0).Fetch(context.Background(), p)
	require.Error(t, err)
	assert.True(t, task.IsValidation(err), "%v", err)
}

func TestFetchHonorsPixelLimit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "small.png")
	require.NoError(t, os.WriteFile(p, pngBytes(t, 7, 3), 0o640))

	_, err := New(nil, 0, 20).Fetch(context.Background(), p)
	assert.True(t, task.IsValidation(err))

	img, err := New(nil, 0, 21).Fetch(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Image.Bounds().Dy())
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "a b.jpg", SourceName("https://cdn.example.com/x/a%20b.jpg"))
	assert.Equal(t, "source", SourceName("https://cdn.example.com/"))
	assert.Equal(t, "img.webp", SourceName("/tmp/in/img.webp"))
}
