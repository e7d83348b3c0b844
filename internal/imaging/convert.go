package imaging

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
)

// squareResize center-crops src to a square and scales it to size x size.
func squareResize(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, image.Rect(x0, y0, x0+side, y0+side), xdraw.Src, nil)
	return dst
}

// flattenCHW converts an RGBA image to a flat channels-first float32 slice,
// mapping bytes 0..255 to [-1, 1].
func flattenCHW(img *image.RGBA, size int) []float32 {
	flat := make([]float32, 3*size*size)
	plane := size * size
	for y := range size {
		for x := range size {
			c := img.RGBAAt(x, y)
			flat[0*plane+y*size+x] = float32(c.R)/127.5 - 1
			flat[1*plane+y*size+x] = float32(c.G)/127.5 - 1
			flat[2*plane+y*size+x] = float32(c.B)/127.5 - 1
		}
	}
	return flat
}

// LoadImage loads a single image as a (1, 3, size, size) tensor in [-1, 1],
// center-cropped and resized like dataset images.
func LoadImage(path string, size int) (*tensors.Tensor, error) {
	if size <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", size)
	}
	sample, err := loadSample(path, size)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(sample, 1, 3, size, size), nil
}

// ToImages converts a (batch, channels, size, size) float32 tensor in
// [-1, 1] to one image per batch entry. One channel renders as grayscale,
// three as RGB; values outside [-1, 1] are clamped. It panics on any other
// shape or dtype.
func ToImages(t *tensors.Tensor) []image.Image {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 {
		exceptions.Panicf("images must be float32 rank-4 tensors, got %s", shape)
	}
	channels := shape.Dim(1)
	if channels != 1 && channels != 3 {
		exceptions.Panicf("images must have 1 or 3 channels, got %d", channels)
	}
	batch, height, width := shape.Dim(0), shape.Dim(2), shape.Dim(3)
	plane := height * width
	images := make([]image.Image, batch)
	tensors.ConstFlatData(t, func(flat []float32) {
		for ii := range batch {
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			sample := flat[ii*channels*plane:]
			for y := range height {
				for x := range width {
					r := toByte(sample[y*width+x])
					g, b := r, r
					if channels == 3 {
						g = toByte(sample[1*plane+y*width+x])
						b = toByte(sample[2*plane+y*width+x])
					}
					img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
				}
			}
			images[ii] = img
		}
	})
	return images
}

// toByte maps a [-1, 1] sample to an 8-bit channel value.
func toByte(v float32) uint8 {
	v = v/2 + 0.5
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(v*255 + 0.5)
}

// SavePNG writes img to path as a PNG file.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
