// Package augment applies seeded random transforms to preprocessed tensors
// during training.
package augment

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Mode selects whether augmentation is active.
type Mode int

const (
	// Eval makes Apply the identity.
	Eval Mode = iota
	Train
)

// Options enables individual transforms.
type Options struct {
	FlipHorizontal bool
	FlipVertical   bool
	// Rotate90 rotates by a random multiple of 90 degrees. Only square
	// tensors are rotated so the shape never changes.
	Rotate90 bool
	// Brightness is the maximum absolute shift added to every value.
	Brightness float64
	// Contrast is the maximum relative change of the distance from the mean.
	Contrast float64
}

// Augmenter is safe for concurrent use: it holds no mutable state and draws
// each sample's randomness from (seed, epoch, index).
type Augmenter struct {
	opts Options
	seed int64
	mode Mode
}

// New returns an Augmenter.
func New(opts Options, seed int64, mode Mode) *Augmenter {
	return &Augmenter{opts: opts, seed: seed, mode: mode}
}

// WithMode returns a copy of a switched to mode.
func (a *Augmenter) WithMode(mode Mode) *Augmenter {
	if a == nil {
		return nil
	}
	cp := *a
	cp.mode = mode
	return &cp
}

// Mode reports the current mode. A nil Augmenter is in Eval mode.
func (a *Augmenter) Mode() Mode {
	if a == nil {
		return Eval
	}
	return a.mode
}

// Apply returns an augmented copy of t for the sample at index within epoch.
// In Eval mode (or on a nil Augmenter) t itself is returned. t is never
// modified.
func (a *Augmenter) Apply(t *tensor.Dense, epoch, index int) (*tensor.Dense, error) {
	if a.Mode() == Eval {
		return t, nil
	}
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("augment: expected [C, H, W] tensor, got shape %v", shape)
	}
	src, ok := t.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("augment: expected float64 tensor, got %T", t.Data())
	}
	c, h, w := shape[0], shape[1], shape[2]
	rng := rand.New(rand.NewSource(mix(a.seed, epoch, index)))

	// Draw every decision up front so the random stream per sample does not
	// depend on which transforms are enabled later in the chain.
	flipH := rng.Intn(2) == 1
	flipV := rng.Intn(2) == 1
	turns := rng.Intn(4)
	shift := (2*rng.Float64() - 1) * a.opts.Brightness
	scale := 1 + (2*rng.Float64()-1)*a.opts.Contrast

	data := append([]float64(nil), src...)
	if a.opts.FlipHorizontal && flipH {
		flipHorizontal(data, c, h, w)
	}
	if a.opts.FlipVertical && flipV {
		flipVertical(data, c, h, w)
	}
	if a.opts.Rotate90 && h == w {
		for i := 0; i < turns; i++ {
			data = rotate90(data, c, h)
		}
	}
	if a.opts.Brightness > 0 || a.opts.Contrast > 0 {
		jitter(data, c, h*w, shift, scale)
	}
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(data)), nil
}

func flipHorizontal(data []float64, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := data[(ch*h+y)*w : (ch*h+y+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

func flipVertical(data []float64, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		plane := data[ch*h*w : (ch+1)*h*w]
		for i, j := 0, h-1; i < j; i, j = i+1, j-1 {
			for x := 0; x < w; x++ {
				plane[i*w+x], plane[j*w+x] = plane[j*w+x], plane[i*w+x]
			}
		}
	}
}

// rotate90 turns each n x n plane a quarter turn clockwise.
func rotate90(data []float64, c, n int) []float64 {
	out := make([]float64, len(data))
	for ch := 0; ch < c; ch++ {
		off := ch * n * n
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				out[off+x*n+(n-1-y)] = data[off+y*n+x]
			}
		}
	}
	return out
}

func jitter(data []float64, c, plane int, shift, scale float64) {
	for ch := 0; ch < c; ch++ {
		vals := data[ch*plane : (ch+1)*plane]
		mean := 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= float64(plane)
		for i, v := range vals {
			vals[i] = math.Max(-1, math.Min(1, (v-mean)*scale+mean+shift))
		}
	}
}

// mix folds the seed, epoch and sample index into one source seed
// (splitmix64 finalizer).
func mix(seed int64, epoch, index int) int64 {
	z := uint64(seed) ^ uint64(epoch)*0x9E3779B97F4A7C15 ^ uint64(index)*0xC2B2AE3D27D4EB4F
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return int64(z ^ (z >> 31))
}
