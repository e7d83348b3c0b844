package unet

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

// tinyConfig is a network small enough to build and run in tests.
func tinyConfig() Config {
	return Config{
		ImageChannels:  1,
		ImageSize:      8,
		BaseChannels:   8,
		StageChannels:  []int{8, 16},
		StageAttention: []bool{false, true},
		BlocksPerStage: 1,
		NormGroups:     4,
		TimeChannels:   32,
		Timesteps:      10,
	}
}

func TestDefaultValid(t *testing.T) {
	for _, size := range []int{32, 64} {
		cfg := Default(size, 1000)
		require.NoError(t, cfg.Validate(), "size %d", size)
		require.Equal(t, size, cfg.ImageSize)
		require.Len(t, cfg.StageChannels, 4)
		require.Equal(t, []bool{false, false, true, false}, cfg.StageAttention)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, tinyConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero image channels", func(cfg *Config) { cfg.ImageChannels = 0 },
			"ImageChannels must be positive"},
		{"zero image size", func(cfg *Config) { cfg.ImageSize = 0 },
			"ImageSize must be positive"},
		{"zero base channels", func(cfg *Config) { cfg.BaseChannels = 0 },
			"BaseChannels must be positive"},
		{"no stages", func(cfg *Config) { cfg.StageChannels = nil },
			"StageChannels needs at least one stage"},
		{"attention mismatch", func(cfg *Config) { cfg.StageAttention = []bool{true} },
			"StageAttention has 1 entries for 2 stages"},
		{"zero blocks", func(cfg *Config) { cfg.BlocksPerStage = 0 },
			"BlocksPerStage must be positive"},
		{"zero norm groups", func(cfg *Config) { cfg.NormGroups = 0 },
			"NormGroups must be positive"},
		{"odd time channels", func(cfg *Config) { cfg.TimeChannels = 12 },
			"TimeChannels must be a positive multiple of 8"},
		{"zero timesteps", func(cfg *Config) { cfg.Timesteps = 0 },
			"Timesteps must be positive"},
		{"base width not divisible", func(cfg *Config) { cfg.BaseChannels = 10 },
			"BaseChannels (10) must be divisible by NormGroups (4)"},
		{"negative stage width", func(cfg *Config) { cfg.StageChannels = []int{8, -4} },
			"stage 1 has non-positive width"},
		{"stage width not divisible", func(cfg *Config) { cfg.StageChannels = []int{10, 16} },
			"stage 0 width (10) must be divisible by NormGroups (4)"},
		{"image size not divisible", func(cfg *Config) { cfg.ImageSize = 9 },
			"ImageSize (9) must be divisible by 2 to survive 1 stage transitions"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := tinyConfig()
			test.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), test.want)
		})
	}
}

func TestBuildPlanDefault(t *testing.T) {
	plan, err := buildPlan(Default(32, 1000))
	require.NoError(t, err)

	// 1 init conv, 8 encoder blocks, 3 downsamples, 2 bottleneck blocks,
	// 12 decoder blocks, 3 upsamples and the output head.
	require.Len(t, plan, 30)

	var pushes, pops int
	for _, spec := range plan {
		if spec.push {
			pushes++
		}
		if spec.pop {
			pops++
		}
	}
	require.Equal(t, 12, pushes)
	require.Equal(t, 12, pops)

	first, last := plan[0], plan[len(plan)-1]
	require.Equal(t, layerInitConv, first.kind)
	require.Equal(t, 3, first.in)
	require.Equal(t, 32, first.out)
	require.Equal(t, layerOutputHead, last.kind)
	require.Equal(t, 32, last.in)
	require.Equal(t, 3, last.out)

	// Attention runs on the third stage's blocks and the first bottleneck
	// block, on both sides of the network.
	var attended []string
	for _, spec := range plan {
		if spec.attn {
			attended = append(attended, spec.scope)
		}
	}
	require.Equal(t, []string{
		"down_02_res_00", "down_02_res_01",
		"mid_res_00",
		"up_02_res_00", "up_02_res_01", "up_02_res_02",
	}, attended)
}

func TestBuildPlanLayout(t *testing.T) {
	plan, err := buildPlan(Config{
		ImageChannels:  1,
		ImageSize:      16,
		BaseChannels:   8,
		StageChannels:  []int{16, 32},
		StageAttention: []bool{false, true},
		BlocksPerStage: 2,
		NormGroups:     4,
		TimeChannels:   32,
		Timesteps:      10,
	})
	require.NoError(t, err)
	require.Equal(t, []layerSpec{
		{kind: layerInitConv, scope: "init_conv", in: 1, out: 8, push: true},
		{kind: layerResBlock, scope: "down_00_res_00", in: 8, out: 16, push: true},
		{kind: layerResBlock, scope: "down_00_res_01", in: 16, out: 16, push: true},
		{kind: layerDownsample, scope: "down_00_sample", in: 16, out: 16, push: true},
		{kind: layerResBlock, scope: "down_01_res_00", in: 16, out: 32, attn: true, push: true},
		{kind: layerResBlock, scope: "down_01_res_01", in: 32, out: 32, attn: true, push: true},
		{kind: layerResBlock, scope: "mid_res_00", in: 32, out: 32, attn: true},
		{kind: layerResBlock, scope: "mid_res_01", in: 32, out: 32},
		{kind: layerResBlock, scope: "up_01_res_00", in: 64, out: 32, attn: true, pop: true},
		{kind: layerResBlock, scope: "up_01_res_01", in: 64, out: 32, attn: true, pop: true},
		{kind: layerResBlock, scope: "up_01_res_02", in: 48, out: 16, attn: true, pop: true},
		{kind: layerUpsample, scope: "up_01_sample", in: 16, out: 16},
		{kind: layerResBlock, scope: "up_00_res_00", in: 32, out: 16, pop: true},
		{kind: layerResBlock, scope: "up_00_res_01", in: 32, out: 16, pop: true},
		{kind: layerResBlock, scope: "up_00_res_02", in: 24, out: 8, pop: true},
		{kind: layerOutputHead, scope: "head", in: 8, out: 1},
	}, plan)
}

func TestReplayPlanDiagnostics(t *testing.T) {
	cfg := tinyConfig()

	err := replayPlan(cfg, []layerSpec{
		{kind: layerResBlock, scope: "up_00_res_00", in: 2, out: 1, pop: true},
	})
	require.ErrorContains(t, err, `pops an empty skip stack at "up_00_res_00"`)

	err = replayPlan(cfg, []layerSpec{
		{kind: layerInitConv, scope: "init_conv", in: 4, out: 8},
	})
	require.ErrorContains(t, err, `carries 1 channels into "init_conv", which expects 4`)

	err = replayPlan(cfg, []layerSpec{
		{kind: layerInitConv, scope: "init_conv", in: 1, out: 1, push: true},
	})
	require.ErrorContains(t, err, "leaves 1 skip connections unconsumed")

	err = replayPlan(cfg, []layerSpec{
		{kind: layerInitConv, scope: "init_conv", in: 1, out: 8},
	})
	require.ErrorContains(t, err, "ends at 8 channels, images have 1")
}

func TestSinusoidalTable(t *testing.T) {
	const timesteps, dim = 10, 8
	table := sinusoidalTable(timesteps, dim)
	require.Equal(t, []int{timesteps, dim}, table.Shape().Dimensions)
	require.Equal(t, dtypes.Float64, table.Shape().DType)

	flat := tensors.CopyFlatData[float64](table)
	for timestep := 0; timestep < timesteps; timestep++ {
		row := flat[timestep*dim : (timestep+1)*dim]
		for i := 0; i < dim/2; i++ {
			angle := float64(timestep) / math.Pow(10000, 2*float64(i)/float64(dim))
			require.Equal(t, math.Sin(angle), row[2*i])
			require.Equal(t, math.Cos(angle), row[2*i+1])
		}
	}

	// Timestep zero encodes as alternating zeros and ones.
	for i := 0; i < dim/2; i++ {
		require.Zero(t, flat[2*i])
		require.Equal(t, 1.0, flat[2*i+1])
	}
}
