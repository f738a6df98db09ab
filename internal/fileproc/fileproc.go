// Package fileproc implements C1, the file ingestion and normalization
// pipeline: format detection by magic bytes, size policy, PDF rasterization,
// and image downscaling. See spec.md §4.1.
package fileproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/craexpense/receipt-processor/internal/applog"
	"github.com/craexpense/receipt-processor/internal/model"
)

// Format is the detected artifact kind.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatBMP     Format = "bmp"
	FormatWebP    Format = "webp"
	FormatPDF     Format = "pdf"
	FormatUnknown Format = "unknown"
)

const (
	minSize = 100
	maxSize = 50 * 1024 * 1024 // 50 MiB

	maxDimension = 2048
	pdfRenderDPI = 300.0
)

// DetectFormat identifies the artifact kind by magic bytes only, never by
// filename extension. See spec.md §4.1.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPNG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return FormatGIF
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return FormatBMP
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("%PDF")):
		return FormatPDF
	default:
		return FormatUnknown
	}
}

// CanonicalImage is the always-decodable raster suitable as vision-LLM
// input. See spec.md §4.1.
type CanonicalImage struct {
	Bytes      []byte
	Width      int
	Height     int
	SourceKind Format
	MimeType   string
}

// Processor implements C1's single primary operation, Process.
type Processor struct{}

// NewProcessor constructs a file Processor. It carries no state: all
// configuration (size limits, render DPI) is fixed by the contract in
// spec.md §4.1.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process validates, detects, and normalizes content into a CanonicalImage.
func (p *Processor) Process(ctx context.Context, content []byte) (*CanonicalImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.New(model.KindCanceled, "processing canceled", err)
	}

	if len(content) < minSize {
		return nil, model.New(model.KindInvalidInput, "file smaller than minimum size", nil)
	}
	if len(content) > maxSize {
		return nil, model.New(model.KindInvalidInput, "file larger than maximum size", nil)
	}

	format := DetectFormat(content)
	switch format {
	case FormatPDF:
		return p.processPDF(ctx, content)
	case FormatJPEG, FormatPNG, FormatGIF, FormatBMP, FormatWebP:
		return p.processImage(content, format)
	default:
		return nil, model.New(model.KindUnsupportedFormat, "unrecognized magic bytes", nil)
	}
}

func (p *Processor) processPDF(ctx context.Context, content []byte) (*CanonicalImage, error) {
	pageCount, err := api.PageCountFile(bytes.NewReader(content))
	if err != nil {
		pageCount, err = countPagesFallback(content)
	}
	if err != nil {
		return nil, model.New(model.KindCorruptedFile, "unable to read PDF structure", err)
	}
	if pageCount == 0 {
		return nil, model.New(model.KindCorruptedFile, "PDF has zero pages", nil)
	}
	if pageCount > 1 {
		applog.Warn().Int("pages", pageCount).Msg("multi-page PDF rasterized first-page-only")
	}

	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to open PDF for rasterization", err)
	}
	defer doc.Close()

	if err := ctx.Err(); err != nil {
		return nil, model.New(model.KindCanceled, "processing canceled", err)
	}

	img, err := doc.ImageDPI(0, pdfRenderDPI)
	if err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to rasterize first page", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to encode rasterized page", err)
	}

	bounds := img.Bounds()
	return downscaleIfNeeded(buf.Bytes(), bounds.Dx(), bounds.Dy(), FormatPDF)
}

func (p *Processor) processImage(content []byte, format Format) (*CanonicalImage, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to decode image", err)
	}
	bounds := img.Bounds()
	return downscaleIfNeeded(content, bounds.Dx(), bounds.Dy(), format)
}

func downscaleIfNeeded(content []byte, width, height int, format Format) (*CanonicalImage, error) {
	if width <= maxDimension && height <= maxDimension {
		return &CanonicalImage{
			Bytes:      content,
			Width:      width,
			Height:     height,
			SourceKind: format,
			MimeType:   mimeTypeFor(format),
		}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to decode image for downscale", err)
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return nil, model.New(model.KindCorruptedFile, "failed to re-encode downscaled image", err)
	}

	rb := resized.Bounds()
	return &CanonicalImage{
		Bytes:      buf.Bytes(),
		Width:      rb.Dx(),
		Height:     rb.Dy(),
		SourceKind: format,
		MimeType:   "image/png",
	}, nil
}

func mimeTypeFor(format Format) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatWebP:
		return "image/webp"
	case FormatPDF:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// countPagesFallback is used when pdfcpu's fast page-count path fails on a
// structurally unusual but still renderable PDF; go-fitz's own page count
// is authoritative in that case.
func countPagesFallback(content []byte) (int, error) {
	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return 0, fmt.Errorf("open for page count: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
