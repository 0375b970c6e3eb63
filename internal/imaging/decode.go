package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
)

// DefaultMaxPixels はデコード・出力を許可する既定の最大画素数です。
const DefaultMaxPixels int64 = 50_000_000

// ErrTooManyPixels は画素数が上限を超えたことを表します。
var ErrTooManyPixels = errors.New("image exceeds the pixel limit")

// CheckPixels は w×h が maxPixels 以内であることを確認します。maxPixels が0以下なら既定値です。
func CheckPixels(w, h int, maxPixels int64) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", w, h)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if int64(w) > maxPixels/int64(h) {
		return fmt.Errorf("%dx%d: %w of %d", w, h, ErrTooManyPixels, maxPixels)
	}
	return nil
}

// Decode はヘッダーの寸法を確認してから data をデコードします。
func Decode(data []byte, maxPixels int64) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if err := CheckPixels(cfg.Width, cfg.Height, maxPixels); err != nil {
		return nil, format, err
	}
	return image.Decode(bytes.NewReader(data))
}
