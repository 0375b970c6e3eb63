package pdf

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	xdraw "golang.org/x/image/draw"

	"github.com/eslieh/grid-worker/internal/imaging"
)

// DefaultDPI はページをラスタライズする既定の解像度です。
const DefaultDPI = 150

const stagingQuality = 95

var disableConfigDir sync.Once

// Document は画像を1枚ずつページとして追記していく PDF 文書です。
// 1つの文書を複数のゴルーチンから操作してはいけません。
type Document struct {
	path  string
	size  PageSize
	dpi   int
	pages int
}

// NewDocument は path に書き出す Document を作成します。ファイルは最初のページ追加時に作られます。
func NewDocument(path string, size PageSize, dpi int) *Document {
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Document{path: path, size: size, dpi: dpi}
}

// Path は出力先のパスです。
func (d *Document) Path() string {
	return d.path
}

// Pages は追加済みのページ数です。
func (d *Document) Pages() int {
	return d.pages
}

// DrawPage は img を p の位置に描いたページを末尾に追加します。
// stagingPath はページ画像の一時保存先で、削除は呼び出し側が行います。
func (d *Document) DrawPage(stagingPath string, img image.Image, p Placement) error {
	raster := Rasterize(img, d.size, d.dpi, p)
	if _, err := imaging.WriteFile(stagingPath, raster, imaging.EncodeOptions{
		Format:  imaging.FormatJPEG,
		Quality: stagingQuality,
	}); err != nil {
		return fmt.Errorf("failed to write page image: %w", err)
	}

	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: d.size.Width, Height: d.size.Height}
	imp.UserDim = true
	imp.Pos = types.Full

	if err := pdfapi.ImportImagesFile([]string{stagingPath}, d.path, imp, nil); err != nil {
		return fmt.Errorf("failed to add page %d: %w", d.pages+1, err)
	}
	d.pages++
	return nil
}

// Finalize は書き出された文書のページ数を検証して返します。
func (d *Document) Finalize() (int, error) {
	if d.pages == 0 {
		return 0, errors.New("document has no pages")
	}
	if _, err := os.Stat(d.path); err != nil {
		return 0, fmt.Errorf("document not written: %w", err)
	}
	count, err := pdfapi.PageCountFile(d.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if count != d.pages {
		return count, fmt.Errorf("page count mismatch: wrote %d, document has %d", d.pages, count)
	}
	return count, nil
}

// Rasterize は白いページ画像を作り、p の位置に img を描画します。
func Rasterize(img image.Image, size PageSize, dpi int, p Placement) *image.RGBA {
	scale := float64(dpi) / PointsPerInch
	pw := int(math.Round(size.Width * scale))
	ph := int(math.Round(size.Height * scale))

	page := image.NewRGBA(image.Rect(0, 0, pw, ph))
	draw.Draw(page, page.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	// PDF は左下原点、ラスターは左上原点
	x0 := int(math.Round(p.X * scale))
	y0 := int(math.Round(float64(ph) - (p.Y+p.Height)*scale))
	x1 := int(math.Round((p.X + p.Width) * scale))
	y1 := int(math.Round(float64(ph) - p.Y*scale))
	dst := image.Rect(x0, y0, x1, y1).Intersect(page.Bounds())
	if dst.Empty() {
		return page
	}
	flat := imaging.Flatten(img)
	xdraw.CatmullRom.Scale(page, dst, flat, flat.Bounds(), xdraw.Over, nil)
	return page
}
