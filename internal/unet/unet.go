// Package unet implements the noise-prediction network of the diffusion
// model: a U-Net built of residual blocks with group normalization, optional
// self-attention stages and a sinusoidal timestep embedding, expressed as
// GoMLX computation graphs.
//
// The default architecture follows the DDPM paper's 32x32 configuration: an
// initial 3x3 convolution to 32 channels, four stages of (64, 128, 256, 512)
// channels with two residual blocks each and self-attention on the third
// stage, strided-convolution downsampling between stages, a bottleneck of two
// residual blocks, and a mirrored decoder that consumes one skip connection
// per block.
//
// The network is described declaratively by Config. Construction validates
// the configuration and lays the layers out as an explicit plan, so that
// encoder/decoder asymmetries are impossible to build rather than runtime
// surprises.
package unet

import (
	"github.com/pkg/errors"
)

// Config declares the network architecture. All fields must be set; see
// Default for the canonical values.
type Config struct {
	// ImageChannels is the channel count of the input and output images.
	ImageChannels int

	// ImageSize is the height and width of the images. It must be divisible
	// by 2^(len(StageChannels)-1), one halving per stage transition.
	ImageSize int

	// BaseChannels is the width of the initial convolution, before the first
	// stage.
	BaseChannels int

	// StageChannels is the width of each resolution stage, shallow to deep.
	StageChannels []int

	// StageAttention flags the stages that apply self-attention after each
	// residual block. Must have the same length as StageChannels.
	StageAttention []bool

	// BlocksPerStage is the number of residual blocks per encoder stage. The
	// decoder mirrors them, plus one transition block per stage.
	BlocksPerStage int

	// NormGroups is the group count of the group normalization layers.
	// BaseChannels and every stage width must be divisible by it.
	NormGroups int

	// TimeChannels is the width of the timestep embedding injected into every
	// residual block. Must be a positive multiple of 8: the sinusoidal table
	// uses TimeChannels/4 columns, split evenly between sines and cosines.
	TimeChannels int

	// Timesteps is the number of diffusion steps the sinusoidal table covers.
	Timesteps int
}

// Default returns the DDPM paper configuration for sizexsize RGB images with
// the given number of diffusion timesteps.
func Default(size, timesteps int) Config {
	return Config{
		ImageChannels:  3,
		ImageSize:      size,
		BaseChannels:   32,
		StageChannels:  []int{64, 128, 256, 512},
		StageAttention: []bool{false, false, true, false},
		BlocksPerStage: 2,
		NormGroups:     32,
		TimeChannels:   128,
		Timesteps:      timesteps,
	}
}

// Validate rejects configurations that cannot be laid out as a network.
func (cfg Config) Validate() error {
	if cfg.ImageChannels <= 0 {
		return errors.Errorf("ImageChannels must be positive, got %d", cfg.ImageChannels)
	}
	if cfg.ImageSize <= 0 {
		return errors.Errorf("ImageSize must be positive, got %d", cfg.ImageSize)
	}
	if cfg.BaseChannels <= 0 {
		return errors.Errorf("BaseChannels must be positive, got %d", cfg.BaseChannels)
	}
	if len(cfg.StageChannels) == 0 {
		return errors.New("StageChannels needs at least one stage")
	}
	if len(cfg.StageAttention) != len(cfg.StageChannels) {
		return errors.Errorf("StageAttention has %d entries for %d stages",
			len(cfg.StageAttention), len(cfg.StageChannels))
	}
	if cfg.BlocksPerStage <= 0 {
		return errors.Errorf("BlocksPerStage must be positive, got %d", cfg.BlocksPerStage)
	}
	if cfg.NormGroups <= 0 {
		return errors.Errorf("NormGroups must be positive, got %d", cfg.NormGroups)
	}
	if cfg.TimeChannels <= 0 || cfg.TimeChannels%8 != 0 {
		return errors.Errorf("TimeChannels must be a positive multiple of 8, got %d", cfg.TimeChannels)
	}
	if cfg.Timesteps <= 0 {
		return errors.Errorf("Timesteps must be positive, got %d", cfg.Timesteps)
	}
	if cfg.BaseChannels%cfg.NormGroups != 0 {
		return errors.Errorf("BaseChannels (%d) must be divisible by NormGroups (%d)",
			cfg.BaseChannels, cfg.NormGroups)
	}
	for stage, channels := range cfg.StageChannels {
		if channels <= 0 {
			return errors.Errorf("stage %d has non-positive width %d", stage, channels)
		}
		if channels%cfg.NormGroups != 0 {
			return errors.Errorf("stage %d width (%d) must be divisible by NormGroups (%d)",
				stage, channels, cfg.NormGroups)
		}
	}
	divisor := 1 << (len(cfg.StageChannels) - 1)
	if cfg.ImageSize%divisor != 0 {
		return errors.Errorf("ImageSize (%d) must be divisible by %d to survive %d stage transitions",
			cfg.ImageSize, divisor, len(cfg.StageChannels)-1)
	}
	return nil
}
