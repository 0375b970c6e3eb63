// Package pdf は画像をページに配置して PDF 文書を組み立てます。
package pdf

import (
	"fmt"
	"strings"

	"github.com/eslieh/grid-worker/internal/task"
)

// PointsPerInch は PDF のユーザー空間単位です。
const PointsPerInch = 72.0

// PageSize はページの大きさ（ポイント）です。
type PageSize struct {
	Name   string
	Width  float64
	Height float64
}

var (
	PageA4     = PageSize{Name: "A4", Width: 595.28, Height: 841.89}
	PageLetter = PageSize{Name: "Letter", Width: 612, Height: 792}
	PageLegal  = PageSize{Name: "Legal", Width: 612, Height: 1008}
)

// ParsePageSize は PDF_PAGE_SIZE を解釈します。空の場合は A4 です。
func ParsePageSize(name string) (PageSize, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "a4":
		return PageA4, nil
	case "letter":
		return PageLetter, nil
	case "legal":
		return PageLegal, nil
	default:
		return PageSize{}, task.Invalid("page_size", "unsupported page size %q", name)
	}
}

func (p PageSize) String() string {
	return fmt.Sprintf("%s (%.2fx%.2f pt)", p.Name, p.Width, p.Height)
}

// Placement はページ上の画像の矩形です。原点はページ左下、単位はポイントです。
type Placement struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// FitToPage は imgW×imgH の画像をページ中央に縦横比を保って配置します。
// ページより横長なら幅いっぱい、それ以外は高さいっぱいに合わせます。
func FitToPage(imgW, imgH int, page PageSize) Placement {
	if imgW <= 0 || imgH <= 0 {
		return Placement{Width: page.Width, Height: page.Height}
	}
	imgAspect := float64(imgW) / float64(imgH)
	pageAspect := page.Width / page.Height

	var w, h float64
	if imgAspect > pageAspect {
		w = page.Width
		h = w / imgAspect
	} else {
		h = page.Height
		w = h * imgAspect
	}
	return Placement{
		X:      (page.Width - w) / 2,
		Y:      (page.Height - h) / 2,
		Width:  w,
		Height: h,
	}
}
