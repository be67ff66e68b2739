// Package media normalizes uploaded maintenance photos before inference and
// scores whether each one is good enough to analyse.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smartscope/backend/pkg/logger"
)

var ErrInsufficientMediaQuality = errors.New("insufficient media quality")

// Issue labels attached to an Image.
const (
	IssueUndecodable   = "undecodable"
	IssueFetchFailed   = "fetch_failed"
	IssueBlurry        = "blurry"
	IssueUnderexposed  = "underexposed"
	IssueOverexposed   = "overexposed"
	IssueLowContrast   = "low_contrast"
	IssueLowResolution = "low_resolution"
)

// Source resolves a media reference to raw bytes.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

type Options struct {
	MaxWidth         int
	MaxHeight        int
	QualityThreshold float64
	JPEGQuality      int
	// Concurrency bounds parallel fetch and decode work per request.
	Concurrency int
}

func DefaultOptions() Options {
	return Options{
		MaxWidth:         2048,
		MaxHeight:        2048,
		QualityThreshold: 0.7,
		JPEGQuality:      85,
		Concurrency:      4,
	}
}

type Image struct {
	Ref    string
	Data   []byte
	Width  int
	Height int
	// Luminance is the mean luma (0-255) after normalization.
	Luminance float64
	Sharpness float64
	Quality   float64
	Usable    bool
	Issues    []string
}

type Preprocessor struct {
	source Source
	opts   Options
}

func NewPreprocessor(source Source, opts Options) *Preprocessor {
	def := DefaultOptions()
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = def.MaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = def.MaxHeight
	}
	if opts.QualityThreshold <= 0 {
		opts.QualityThreshold = def.QualityThreshold
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = def.JPEGQuality
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &Preprocessor{source: source, opts: opts}
}

// Process fetches and normalizes every ref, preserving order. Individual
// fetch or decode failures mark that image unusable. When no image is usable
// the returned error wraps ErrInsufficientMediaQuality.
func (p *Preprocessor) Process(ctx context.Context, refs []string) ([]Image, error) {
	out := make([]Image, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			data, err := p.source.Fetch(gctx, ref)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Warn("Failed to fetch media", zap.String("ref", ref), zap.Error(err))
				out[i] = Image{Ref: ref, Issues: []string{IssueFetchFailed}}
				return nil
			}

			out[i] = p.ProcessImage(ref, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(Usable(out)) == 0 {
		return out, fmt.Errorf("%w: none of %d images passed the %.2f threshold", ErrInsufficientMediaQuality, len(refs), p.opts.QualityThreshold)
	}
	return out, nil
}

// ProcessImage normalizes one encoded image. It never fails; undecodable
// input yields an unusable Image.
func (p *Preprocessor) ProcessImage(ref string, data []byte) Image {
	result := Image{Ref: ref}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		logger.Debug("Undecodable media", zap.String("ref", ref), zap.Error(err))
		result.Issues = append(result.Issues, IssueUndecodable)
		return result
	}

	b := img.Bounds()
	if b.Dx() > p.opts.MaxWidth || b.Dy() > p.opts.MaxHeight {
		img = imaging.Fit(img, p.opts.MaxWidth, p.opts.MaxHeight, imaging.Lanczos)
	}

	before := luminanceStats(img)
	var issues []string
	switch {
	case before.mean < 80:
		issues = append(issues, IssueUnderexposed)
	case before.mean > 185:
		issues = append(issues, IssueOverexposed)
	}
	if before.stddev < 30 {
		issues = append(issues, IssueLowContrast)
	}

	normalized := normalizeExposure(img, before)
	after := luminanceStats(normalized)

	sharpness := sharpnessScore(normalized)
	if sharpness < 0.5 {
		issues = append(issues, IssueBlurry)
	}

	quality := 0.6*sharpness + 0.4*exposureScore(after.mean)
	nb := normalized.Bounds()
	if nb.Dx() < 200 || nb.Dy() < 200 {
		issues = append(issues, IssueLowResolution)
		quality *= 0.5
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, normalized, imaging.JPEG, imaging.JPEGQuality(p.opts.JPEGQuality)); err != nil {
		result.Issues = append(issues, IssueUndecodable)
		return result
	}

	result.Data = buf.Bytes()
	result.Width = nb.Dx()
	result.Height = nb.Dy()
	result.Luminance = after.mean
	result.Sharpness = sharpness
	result.Quality = clamp01(quality)
	result.Usable = result.Quality >= p.opts.QualityThreshold
	result.Issues = issues
	return result
}

func Usable(images []Image) []Image {
	var out []Image
	for _, img := range images {
		if img.Usable {
			out = append(out, img)
		}
	}
	return out
}

type lumaStats struct {
	mean   float64
	stddev float64
}

func luminanceStats(img image.Image) lumaStats {
	gray := imaging.Grayscale(img)
	var hist [256]int
	px := gray.Pix
	for i := 0; i+3 < len(px); i += 4 {
		hist[px[i]]++
	}

	var n, sum float64
	for v, c := range hist {
		n += float64(c)
		sum += float64(v * c)
	}
	if n == 0 {
		return lumaStats{}
	}
	mean := sum / n
	var sq float64
	for v, c := range hist {
		d := float64(v) - mean
		sq += d * d * float64(c)
	}
	return lumaStats{mean: mean, stddev: math.Sqrt(sq / n)}
}

// normalizeExposure pulls mean luminance toward mid-grey and stretches flat
// histograms. Adjustments are capped so heavy corrections stay plausible.
func normalizeExposure(img image.Image, s lumaStats) image.Image {
	out := img
	if s.mean < 80 || s.mean > 185 {
		pct := clamp((128-s.mean)/255*100, -40, 40)
		out = imaging.AdjustBrightness(out, pct)
	}
	if s.stddev < 30 {
		pct := clamp((45-s.stddev)*1.5, 0, 40)
		out = imaging.AdjustContrast(out, pct)
	}
	return out
}

// sharpnessScore maps the variance of a 4-neighbour Laplacian over the
// grayscale image into [0,1).
func sharpnessScore(img image.Image) float64 {
	if img.Bounds().Dx() > 512 {
		img = imaging.Resize(img, 512, 0, imaging.Box)
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4])
	}

	var n, sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	return 1 - math.Exp(-variance/150)
}

// exposureScore is 1 for mean luminance in [80,176] and falls off linearly
// toward black or white.
func exposureScore(mean float64) float64 {
	d := math.Abs(mean-128) - 48
	if d <= 0 {
		return 1
	}
	return clamp01(1 - d/80)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
