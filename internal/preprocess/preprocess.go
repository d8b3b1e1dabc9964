// Package preprocess turns face crops into the channel-normalised CHW
// tensors the embedding model consumes.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand/v2"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
	"github.com/saturnino-fabrica-de-software/netra/internal/nn"
)

var (
	DefaultMean = [3]float64{0.485, 0.456, 0.406}
	DefaultStd  = [3]float64{0.229, 0.224, 0.225}
)

// Preprocessor resizes to Size x Size and normalises each RGB channel with
// (v - Mean) / Std, v in [0, 1].
type Preprocessor struct {
	Size int
	Mean [3]float64
	Std  [3]float64
}

func New(size int, mean, std []float64) (*Preprocessor, error) {
	if size <= 0 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "input_size", "value": size})
	}
	if len(mean) != 3 || len(std) != 3 {
		return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{
			"field":  "normalization",
			"reason": "mean and std need one value per RGB channel",
		})
	}
	p := &Preprocessor{Size: size}
	for c := range 3 {
		if std[c] <= 0 {
			return nil, domain.ErrInvalidConfig.WithDetails(map[string]any{"field": "std", "value": std[c]})
		}
		p.Mean[c] = mean[c]
		p.Std[c] = std[c]
	}
	return p, nil
}

func Default(size int) *Preprocessor {
	return &Preprocessor{Size: size, Mean: DefaultMean, Std: DefaultStd}
}

func (p *Preprocessor) Shape() nn.Shape {
	return nn.Shape{C: 3, H: p.Size, W: p.Size}
}

// Decode reads an encoded image (jpeg, png, gif, bmp or webp).
func (p *Preprocessor) Decode(r io.Reader) (*nn.Tensor, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}
	if img.Bounds().Empty() {
		return nil, domain.ErrInvalidImage.WithDetails(map[string]any{"format": format, "reason": "empty image"})
	}
	return p.FromImage(img), nil
}

func (p *Preprocessor) DecodeBytes(data []byte) (*nn.Tensor, error) {
	if len(data) == 0 {
		return nil, domain.ErrInvalidImage.WithDetails(map[string]any{"reason": "no image data"})
	}
	return p.Decode(bytes.NewReader(data))
}

// File decodes the image stored at path.
func (p *Preprocessor) File(path string) (*nn.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	t, err := p.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FromImage resizes img bilinearly, ignoring aspect ratio, and normalises it.
func (p *Preprocessor) FromImage(img image.Image) *nn.Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, p.Size, p.Size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := nn.NewTensor(3, p.Size, p.Size)
	for y := 0; y < p.Size; y++ {
		for x := 0; x < p.Size; x++ {
			px := dst.RGBAAt(x, y)
			t.Set(0, y, x, p.normalize(0, px.R))
			t.Set(1, y, x, p.normalize(1, px.G))
			t.Set(2, y, x, p.normalize(2, px.B))
		}
	}
	return t
}

func (p *Preprocessor) normalize(c int, v uint8) float64 {
	return (float64(v)/255 - p.Mean[c]) / p.Std[c]
}

// Image maps a tensor back to pixels; used by debugging tools and tests.
func (p *Preprocessor) Image(t *nn.Tensor) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			var rgb [3]uint8
			for c := range 3 {
				v := t.At(c, y, x)*p.Std[c] + p.Mean[c]
				rgb[c] = uint8(clamp01(v)*255 + 0.5)
			}
			img.SetRGBA(x, y, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	return img
}

// Augmentation configures training-time jitter. Zero disables each part.
type Augmentation struct {
	FlipProbability float64
	Brightness      float64
	Contrast        float64
}

func DefaultAugmentation() Augmentation {
	return Augmentation{FlipProbability: 0.5, Brightness: 0.2, Contrast: 0.2}
}

// Jitter is one drawn augmentation. It is drawn sequentially from the
// training rng and applied later, possibly on another goroutine.
type Jitter struct {
	Flip       bool
	Brightness float64
	Contrast   float64
}

// Identity reports whether applying j leaves a tensor unchanged.
func (j Jitter) Identity() bool {
	return !j.Flip && j.Brightness == 1 && j.Contrast == 1
}

func (a Augmentation) Draw(rng *rand.Rand) Jitter {
	j := Jitter{Brightness: 1, Contrast: 1}
	if a.FlipProbability > 0 {
		j.Flip = rng.Float64() < a.FlipProbability
	}
	if a.Brightness > 0 {
		j.Brightness = 1 + a.Brightness*(2*rng.Float64()-1)
	}
	if a.Contrast > 0 {
		j.Contrast = 1 + a.Contrast*(2*rng.Float64()-1)
	}
	return j
}

// Apply returns an augmented copy of t; t itself is never modified.
func (p *Preprocessor) Apply(t *nn.Tensor, j Jitter) *nn.Tensor {
	if j.Identity() {
		return t
	}
	out := t.Clone()
	if j.Flip {
		out = t.FlipHorizontal()
	}
	if j.Brightness == 1 && j.Contrast == 1 {
		return out
	}

	area := out.H * out.W
	for c := range 3 {
		plane := out.Data[c*area : (c+1)*area]
		mean := 0.0
		for i, v := range plane {
			plane[i] = clamp01((v*p.Std[c] + p.Mean[c]) * j.Brightness)
			mean += plane[i]
		}
		mean /= float64(area)
		for i, v := range plane {
			plane[i] = (clamp01(mean+(v-mean)*j.Contrast) - p.Mean[c]) / p.Std[c]
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
