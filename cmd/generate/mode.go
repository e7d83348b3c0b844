package main

// Mode selects what the generate binary produces.
type Mode int

const (
	// ModeSample draws a grid of fresh images from pure noise.
	ModeSample Mode = iota

	// ModeVideo records the denoising chain as an animated GIF.
	ModeVideo

	// ModeInterpolate blends two images in noise space and denoises the row.
	ModeInterpolate

	// ModeCoarseToFine interpolates at several noise levels, one grid row per
	// level.
	ModeCoarseToFine
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -values -text mode.go
