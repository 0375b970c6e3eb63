package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/eslieh/grid-worker/internal/task"
)

// Format は出力形式です。
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
)

// DefaultQuality は PNG 以外の出力に使う品質です。
const DefaultQuality = 80

// ParseFormat は output_format を解釈します。空の場合は PNG です。
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", task.Invalid("output_format", "unsupported output format %q (use png or jpg)", raw)
	}
}

// Extension はファイル拡張子（ドット付き）です。
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType は MIME タイプです。
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// EncodeOptions は出力形式ごとの保存ポリシーです。
type EncodeOptions struct {
	Format  Format
	Quality int
}

// Encode はポリシーに従って img を書き出します。
// PNG は可逆の最大圧縮、それ以外はアルファを落として品質指定で保存します。
func Encode(w io.Writer, img image.Image, opts EncodeOptions) error {
	switch opts.Format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	case FormatJPEG:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		return jpeg.Encode(w, Flatten(img), &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("unsupported format: %s", opts.Format)
	}
}

// WriteFile は img を path に保存し、書き込んだバイト数を返します。
func WriteFile(path string, img image.Image, opts EncodeOptions) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, img, opts); err != nil {
		f.Close()
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
