package viewer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageSize is one page's media box in points.
type PageSize struct {
	Width  float64
	Height float64
}

// Decoder reads the page layout of a PDF.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]PageSize, error)
}

var disableConfigDir sync.Once

// PDFDecoder decodes with pdfcpu.
type PDFDecoder struct{}

// Decode returns the size of every page in page order.
func (PDFDecoder) Decode(ctx context.Context, data []byte) ([]PageSize, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("viewer: decoding pdf: %w", err)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("viewer: decoding pdf: no pages")
	}
	pages := make([]PageSize, len(dims))
	for i, d := range dims {
		pages[i] = PageSize{Width: d.Width, Height: d.Height}
	}
	return pages, nil
}
