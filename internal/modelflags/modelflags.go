// Package modelflags declares the command-line flags describing the network
// architecture and the diffusion process, shared by the trainer and generate
// binaries, and assembles the configurations they select. The flag defaults
// are the DDPM paper values for 32x32 RGB images.
package modelflags

import (
	"flag"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/generics"
	"github.com/KimRass/ddpm-from-scratch/internal/parameters"
	"github.com/KimRass/ddpm-from-scratch/internal/unet"
)

var (
	flagImageSize = flag.Int("image_size", 32, "Height and width of the images the model works at. "+
		"Must be divisible by 2 for every stage transition of the network.")
	flagImageChannels = flag.Int("image_channels", 3, "Image channels: 3 for RGB, 1 for grayscale.")
	flagTimesteps     = flag.Int("timesteps", 1000, "Number of diffusion steps T.")
	flagBetaMin       = flag.Float64("beta_min", 1e-4, "Variance added by the first diffusion step.")
	flagBetaMax       = flag.Float64("beta_max", 0.02, "Variance added by the last diffusion step.")
	flagDType         = flag.String("dtype", "float32",
		"DType the graphs compute in: float32, float64, float16 or bfloat16. "+
			"Images cross the API as float32 either way.")

	flagBaseChannels = flag.Int("base_channels", 32, "Width of the network's initial convolution.")
	flagChannels     = flag.String("channels", "64,128,256,512",
		"Comma-separated widths of the network's resolution stages, shallow to deep.")
	flagAttention = flag.String("attention", "2",
		"Comma-separated indices of the stages that apply self-attention. Empty disables attention.")
	flagBlocks       = flag.Int("blocks", 2, "Residual blocks per encoder stage.")
	flagNormGroups   = flag.Int("norm_groups", 32, "Group count of the group normalization layers.")
	flagTimeChannels = flag.Int("time_channels", 128, "Width of the timestep embedding.")
)

// UNetConfig assembles the network architecture selected by the flags.
func UNetConfig() (unet.Config, error) {
	var cfg unet.Config
	channels, err := parseIntList(*flagChannels, "-channels")
	if err != nil {
		return cfg, err
	}
	attention, err := parseIntList(*flagAttention, "-attention")
	if err != nil {
		return cfg, err
	}
	attn := make([]bool, len(channels))
	for _, stage := range attention {
		if stage < 0 || stage >= len(channels) {
			return cfg, errors.Errorf("-attention stage %d out of range, the network has %d stages",
				stage, len(channels))
		}
		attn[stage] = true
	}
	cfg = unet.Config{
		ImageChannels:  *flagImageChannels,
		ImageSize:      *flagImageSize,
		BaseChannels:   *flagBaseChannels,
		StageChannels:  channels,
		StageAttention: attn,
		BlocksPerStage: *flagBlocks,
		NormGroups:     *flagNormGroups,
		TimeChannels:   *flagTimeChannels,
		Timesteps:      *flagTimesteps,
	}
	return cfg, nil
}

// DiffusionConfig assembles the diffusion process configuration selected by
// the flags. Checkpoint handling stays with the caller.
func DiffusionConfig() (ddpm.Config, error) {
	dtype, err := parseDType(*flagDType)
	if err != nil {
		return ddpm.Config{}, err
	}
	return ddpm.Config{
		Timesteps:     *flagTimesteps,
		BetaMin:       *flagBetaMin,
		BetaMax:       *flagBetaMax,
		ImageSize:     *flagImageSize,
		ImageChannels: *flagImageChannels,
		DType:         dtype,
	}, nil
}

// NewModel builds the network selected by the architecture flags and applies
// overrides, a comma-separated key=value list of context hyperparameters.
// Keys that name no hyperparameter are an error.
func NewModel(overrides string) (*unet.Model, error) {
	cfg, err := UNetConfig()
	if err != nil {
		return nil, err
	}
	model, err := unet.New(cfg)
	if err != nil {
		return nil, err
	}
	params := parameters.NewFromConfigString(overrides)
	if err := model.ApplyParams(params); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown hyperparameters in -set: %s",
			strings.Join(slices.Collect(generics.SortedKeys(params)), ", "))
	}
	return model, nil
}

func parseIntList(raw, flagName string) ([]int, error) {
	parts := strings.Split(raw, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s entry %q", flagName, part)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("-dtype must be a float type, got %q", name)
}
