// Package preprocess turns raw fundus images into fixed-size normalized
// tensors. The same Preprocessor is used for training and inference.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gorgonia.org/tensor"

	"retina-forge/internal/dataset"
	"retina-forge/internal/failure"
)

// Channels is the depth of every tensor produced.
const Channels = 3

// Options controls the transform. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// Size is the side of the square output image.
	Size int
	// GrayTolerance is the gray level at or below which border pixels count
	// as background when CropBorders is set.
	GrayTolerance int
	CropBorders   bool
	CircleCrop    bool
	// BlurSigma enables the blur-subtract contrast enhancement when > 0. It
	// is measured in source pixels after the border crop.
	BlurSigma float64
}

// DefaultOptions matches the reference fundus preprocessing.
func DefaultOptions() Options {
	return Options{Size: 224, GrayTolerance: 7, CropBorders: true, CircleCrop: true, BlurSigma: 10}
}

// Preprocessor is a pure Sample -> Tensor function.
type Preprocessor struct {
	opts Options
}

// New validates opts and returns a Preprocessor.
func New(opts Options) (*Preprocessor, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("preprocess: size must be > 0 (got %d)", opts.Size)
	}
	if opts.BlurSigma < 0 {
		return nil, fmt.Errorf("preprocess: blur sigma must be >= 0 (got %g)", opts.BlurSigma)
	}
	return &Preprocessor{opts: opts}, nil
}

// Options returns the options the Preprocessor was built with.
func (p *Preprocessor) Options() Options { return p.opts }

// Shape is the tensor shape every Apply returns.
func (p *Preprocessor) Shape() tensor.Shape {
	return tensor.Shape{Channels, p.opts.Size, p.opts.Size}
}

// Apply decodes the sample and returns a [3, Size, Size] tensor with values in
// [-1, 1]. The same input always yields an identical tensor.
func (p *Preprocessor) Apply(s dataset.Sample) (*tensor.Dense, error) {
	img, err := p.Image(s)
	if err != nil {
		return nil, err
	}
	return toTensor(img), nil
}

// Image runs the pixel pipeline and returns the processed image before
// tensor conversion.
func (p *Preprocessor) Image(s dataset.Sample) (*image.NRGBA, error) {
	if len(s.Image) == 0 {
		return nil, failure.New(failure.Preprocessing, s.Key, errors.New("empty image data"))
	}
	decoded, _, err := image.Decode(bytes.NewReader(s.Image))
	if err != nil {
		return nil, failure.New(failure.Preprocessing, s.Key, fmt.Errorf("decode: %w", err))
	}
	b := decoded.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, failure.New(failure.Preprocessing, s.Key, errors.New("empty image"))
	}

	// Mask and enhancement run at the cropped source resolution; only the
	// final image is resized.
	img := imaging.Clone(decoded)
	if p.opts.CropBorders {
		img = cropFromGray(img, p.opts.GrayTolerance)
	}
	if p.opts.CircleCrop {
		circleMask(img)
	}
	if p.opts.BlurSigma > 0 {
		img = enhance(img, p.opts.BlurSigma)
	}
	size := uint(p.opts.Size)
	return imaging.Clone(resize.Resize(size, size, img, resize.Bilinear)), nil
}

// cropFromGray trims rows and columns whose luma never exceeds tol. An image
// that is entirely background is returned unchanged.
func cropFromGray(img *image.NRGBA, tol int) *image.NRGBA {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if gray(img.NRGBAAt(x, y)) <= float64(tol) {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}
	if maxX < minX || maxY < minY {
		return img
	}
	return imaging.Crop(img, image.Rect(minX, minY, maxX+1, maxY+1))
}

func gray(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

// circleMask blacks out every pixel outside the largest centred circle.
func circleMask(img *image.NRGBA) {
	b := img.Bounds()
	cx, cy := b.Dx()/2, b.Dy()/2
	r := min(cx, cy)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				continue
			}
			img.SetNRGBA(b.Min.X+x, b.Min.Y+y, color.NRGBA{A: 255})
		}
	}
}

// enhance computes 4*img - 4*blur(img) + 128 per channel, saturating to
// [0, 255]. It brings out local contrast (vessels, lesions) and flattens
// lighting differences between cameras.
func enhance(img *image.NRGBA, sigma float64) *image.NRGBA {
	blurred := imaging.Blur(img, sigma)
	out := image.NewNRGBA(img.Bounds())
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := 4*float64(img.Pix[i+c]) - 4*float64(blurred.Pix[i+c]) + 128
			out.Pix[i+c] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		}
		out.Pix[i+3] = 255
	}
	return out
}

// toTensor lays the image out channel-major and maps [0, 255] to [-1, 1].
func toTensor(img *image.NRGBA) *tensor.Dense {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	data := make([]float64, Channels*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < Channels; c++ {
				data[c*plane+y*w+x] = float64(row[4*x+c])/127.5 - 1
			}
		}
	}
	return tensor.New(tensor.WithShape(Channels, h, w), tensor.WithBacking(data))
}
