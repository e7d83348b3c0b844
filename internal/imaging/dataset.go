// Package imaging moves images between disk and the model's tensor layout.
//
// Tensors cross this package channels-first: float32 shaped
// (batch, channels, size, size) with values in [-1, 1]. Loading decodes
// JPEG/PNG files, center-crops them square and resizes with Catmull-Rom
// resampling; writing maps tensors back to 8-bit images, as PNG grids or
// animated GIFs.
package imaging

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/KimRass/ddpm-from-scratch/internal/generics"
)

var imageExtensions = generics.SetWith(".jpg", ".jpeg", ".png")

// Dataset holds a directory of images fully decoded in memory, ready to be
// served as shuffled training batches. It is not safe for concurrent use.
type Dataset struct {
	size    int
	samples [][]float32
	order   []int
	next    int
	epochs  int
}

// LoadDir recursively loads every JPEG and PNG under dir, center-crops each
// image square and resizes it to size x size. Files are decoded in parallel,
// bounded by GOMAXPROCS; any file that fails to decode fails the whole load.
// An empty directory is an error.
func LoadDir(ctx context.Context, dir string, size int) (*Dataset, error) {
	if size <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", size)
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && imageExtensions.Has(strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no JPEG or PNG images under %q", dir)
	}

	samples := make([][]float32, len(paths))
	var wg errgroup.Group
	wg.SetLimit(runtime.GOMAXPROCS(0))
	for ii, path := range paths {
		wg.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sample, err := loadSample(path, size)
			if err != nil {
				return err
			}
			samples[ii] = sample
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %d images from %q at %dx%d", len(samples), dir, size, size)

	ds := &Dataset{size: size, samples: samples, order: make([]int, len(samples))}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.shuffle()
	return ds, nil
}

func loadSample(path string, size int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	return flattenCHW(squareResize(src, size), size), nil
}

func (ds *Dataset) shuffle() {
	rand.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Len returns the number of images in the dataset.
func (ds *Dataset) Len() int { return len(ds.samples) }

// Epochs returns how many full passes over the dataset Batch has served.
func (ds *Dataset) Epochs() int { return ds.epochs }

// Size returns the side length the images were resized to.
func (ds *Dataset) Size() int { return ds.size }

// Batch returns the next n images as a (n, 3, size, size) tensor in [-1, 1].
// Images are served without replacement; when fewer than n remain the tail
// is dropped, the dataset reshuffles and a new epoch starts. It panics if n
// is not positive or exceeds the dataset size.
func (ds *Dataset) Batch(n int) *tensors.Tensor {
	if n <= 0 {
		exceptions.Panicf("batch size must be positive, got %d", n)
	}
	if n > len(ds.samples) {
		exceptions.Panicf("requested a batch of %d images, dataset only has %d", n, len(ds.samples))
	}
	if ds.next+n > len(ds.samples) {
		ds.shuffle()
		ds.next = 0
		ds.epochs++
	}
	stride := 3 * ds.size * ds.size
	batch := tensors.FromShape(shapes.Make(dtypes.Float32, n, 3, ds.size, ds.size))
	tensors.MutableFlatData(batch, func(flat []float32) {
		for ii := range n {
			copy(flat[ii*stride:(ii+1)*stride], ds.samples[ds.order[ds.next+ii]])
		}
	})
	ds.next += n
	return batch
}
