package unet

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/parameters"

	. "github.com/gomlx/gomlx/graph"
)

// Model is the U-Net noise predictor. It owns the GoMLX context holding the
// network variables and training hyperparameters.
type Model struct {
	cfg   Config
	ctx   *context.Context
	plan  []layerSpec
	table *tensors.Tensor // [Timesteps, TimeChannels/4] sinusoidal encodings
}

// Model is the denoiser the diffusion process drives.
var _ ddpm.Denoiser = (*Model)(nil)

// New lays out the network for cfg and creates a fresh context with default
// training hyperparameters: Adam at 2e-4, swish activations, 10% dropout.
// The variables themselves are created lazily by the first graph execution.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid network configuration")
	}
	plan, err := buildPlan(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    2e-4,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.1,
	})
	ctx = ctx.Checked(false)
	return &Model{
		cfg:   cfg,
		ctx:   ctx,
		plan:  plan,
		table: sinusoidalTable(cfg.Timesteps, cfg.TimeChannels/4),
	}, nil
}

// Context returns the context holding the network variables and
// hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// Config returns the architecture the model was built with.
func (m *Model) Config() Config { return m.cfg }

// ApplyParams overrides context hyperparameters from the given parameters,
// popping every key it consumes. Keys that don't name a hyperparameter are
// left in params for the caller to reject.
func (m *Model) ApplyParams(params parameters.Params) error {
	ctx := m.ctx
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If an error happened, skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q has unsupported type %T", key, defaultValue)
		}
	})
	return err
}

// ForwardGraph builds the graph predicting the noise component of a batch of
// noisy images. noisy must be shaped [batch, channels, size, size]
// (channels-first, as everywhere in the public API) and timesteps [batch]
// with dtype int32. The result has the shape and dtype of noisy.
func (m *Model) ForwardGraph(ctx *context.Context, noisy, timesteps *Node) *Node {
	cfg := m.cfg
	shape := noisy.Shape()
	if shape.Rank() != 4 || shape.Dim(1) != cfg.ImageChannels ||
		shape.Dim(2) != cfg.ImageSize || shape.Dim(3) != cfg.ImageSize {
		exceptions.Panicf("unet: noisy images must be shaped [batch, %d, %d, %d], got %s",
			cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize, shape)
	}
	batchSize := shape.Dim(0)
	if timesteps.Rank() != 1 || timesteps.Shape().Dim(0) != batchSize || timesteps.DType() != dtypes.Int32 {
		exceptions.Panicf("unet: timesteps must be int32 shaped [%d], got %s",
			batchSize, timesteps.Shape())
	}

	timeEmb := m.timeEmbedding(ctx.In("time_embed"), timesteps, noisy.DType())

	// The graph computes channels-last; the transposes at both ends keep the
	// public layout channels-first.
	x := TransposeAllDims(noisy, 0, 2, 3, 1)
	var skips []*Node
	for _, spec := range m.plan {
		layerCtx := ctx.In(spec.scope)
		if spec.pop {
			x = Concatenate([]*Node{x, skips[len(skips)-1]}, -1)
			skips = skips[:len(skips)-1]
		}
		switch spec.kind {
		case layerInitConv:
			x = layers.Convolution(layerCtx, x).Channels(spec.out).KernelSize(3).PadSame().Done()
		case layerResBlock:
			x = m.resBlock(layerCtx, x, timeEmb, spec)
		case layerDownsample:
			x = m.downsample(layerCtx, x, spec)
		case layerUpsample:
			x = m.upsample(layerCtx, x, spec)
		case layerOutputHead:
			x = m.groupNorm(layerCtx.In("norm"), x)
			x = activations.ApplyFromContext(layerCtx, x)
			x = layers.Convolution(layerCtx.In("conv"), x).Channels(spec.out).KernelSize(3).PadSame().Done()
		}
		if spec.push {
			skips = append(skips, x)
		}
	}
	if len(skips) != 0 {
		exceptions.Panicf("unet: %d skip connections left unconsumed, the network plan is corrupt", len(skips))
	}
	return TransposeAllDims(x, 0, 3, 1, 2)
}
