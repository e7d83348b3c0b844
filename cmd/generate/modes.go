package main

import (
	"fmt"
	"image"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/imaging"
	"github.com/KimRass/ddpm-from-scratch/internal/spinning"
)

// outPath is -out when given, otherwise a name derived from the mode.
func outPath() string {
	if *flagOut != "" {
		return *flagOut
	}
	if flagMode == ModeVideo {
		return flagMode.String() + ".gif"
	}
	return flagMode.String() + ".png"
}

// columns is -cols when given, otherwise the squarest layout that fits n
// images: 16 images make 4 columns.
func columns(n int) int {
	if *flagCols > 0 {
		return *flagCols
	}
	cols := 1
	for cols*cols < n {
		cols++
	}
	return cols
}

// runSample draws -n fresh images and saves them as one PNG grid.
func runSample(sampler *ddpm.Sampler) error {
	spin := spinning.New(globalCtx)
	batch, err := sampler.Sample(globalCtx, *flagN)
	spin.Done()
	if err != nil {
		return err
	}
	path := outPath()
	if err := imaging.SaveGrid(batch, columns(*flagN), path); err != nil {
		return err
	}
	fmt.Printf("Wrote %d samples to %s\n", *flagN, path)
	return nil
}

// runVideo samples a batch of -n images, keeping -frames intermediate grids
// of the denoising chain, and writes them as an animated GIF that ends on the
// finished images.
func runVideo(sampler *ddpm.Sampler, cfg ddpm.Config) error {
	keep := frameTimesteps(cfg.Timesteps, *flagFrames)
	cols := columns(*flagN)
	var frames []image.Image
	spin := spinning.New(globalCtx)
	_, err := sampler.SampleWithObserver(globalCtx, *flagN, func(timestep int, batch *tensors.Tensor) error {
		if !keep[timestep] {
			return nil
		}
		grid, err := imaging.Grid(imaging.ToImages(batch), cols)
		if err != nil {
			return err
		}
		frames = append(frames, grid)
		return nil
	})
	spin.Done()
	if err != nil {
		return err
	}
	path := outPath()
	if err := imaging.AnimateGIF(frames, path, *flagDelay); err != nil {
		return err
	}
	fmt.Printf("Wrote %d frames to %s\n", len(frames), path)
	return nil
}

// frameTimesteps picks n timesteps of the denoising chain to keep as frames,
// spread evenly over the chain and always including the final step 0.
func frameTimesteps(timesteps, n int) map[int]bool {
	n = min(max(n, 1), timesteps)
	keep := make(map[int]bool, n)
	for i := range n {
		keep[(timesteps-1)*i/max(n-1, 1)] = true
	}
	return keep
}

// runInterpolate corrupts the two endpoint images forward to -at, blends the
// latents at -points mixing weights and denoises the whole row back.
func runInterpolate(sampler *ddpm.Sampler, cfg ddpm.Config) error {
	a, b, err := loadEndpoints(cfg)
	if err != nil {
		return err
	}
	spin := spinning.New(globalCtx)
	row, err := sampler.Interpolate(globalCtx, a, b, *flagAt, *flagPoints)
	spin.Done()
	if err != nil {
		return err
	}
	path := outPath()
	if err := imaging.SaveGrid(row, *flagPoints, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %d-point interpolation to %s\n", *flagPoints, path)
	return nil
}

// runCoarseToFine writes a grid interpolating the endpoints at -rows noise
// levels, from pure noise on the top row down to step 0 on the bottom one.
func runCoarseToFine(sampler *ddpm.Sampler, cfg ddpm.Config) error {
	a, b, err := loadEndpoints(cfg)
	if err != nil {
		return err
	}
	spin := spinning.New(globalCtx)
	rows, err := sampler.CoarseToFine(globalCtx, a, b, rowTimesteps(cfg.Timesteps, *flagRows), *flagPoints)
	spin.Done()
	if err != nil {
		return err
	}
	cells := make([]image.Image, 0, len(rows)*(*flagPoints))
	for _, row := range rows {
		cells = append(cells, imaging.ToImages(row)...)
	}
	grid, err := imaging.Grid(cells, *flagPoints)
	if err != nil {
		return err
	}
	path := outPath()
	if err := imaging.SavePNG(grid, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %dx%d coarse-to-fine grid to %s\n", len(rows), *flagPoints, path)
	return nil
}

// rowTimesteps spreads n starting timesteps from the top of the chain down
// to 0, one per coarse-to-fine row.
func rowTimesteps(timesteps, n int) []int {
	n = min(max(n, 1), timesteps)
	if n == 1 {
		return []int{timesteps - 1}
	}
	steps := make([]int, n)
	for i := range steps {
		steps[i] = (timesteps - 1) * (n - 1 - i) / (n - 1)
	}
	return steps
}

// loadEndpoints loads the two images the interpolation modes blend between.
func loadEndpoints(cfg ddpm.Config) (a, b *tensors.Tensor, err error) {
	if *flagImageA == "" || *flagImageB == "" {
		return nil, nil, errors.Errorf("the %s mode needs both -image_a and -image_b", flagMode)
	}
	a, err = imaging.LoadImage(*flagImageA, cfg.ImageSize)
	if err != nil {
		return nil, nil, err
	}
	b, err = imaging.LoadImage(*flagImageB, cfg.ImageSize)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
