package ddpm

import (
	"context"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	mlcontext "github.com/gomlx/gomlx/ml/context"

	. "github.com/gomlx/gomlx/graph"
)

// Observer is called after every reverse transition with the timestep just
// applied and the resulting batch. The batch buffer is recycled by the next
// transition, so observers must copy any data they keep. Returning a non-nil
// error aborts the sampling run.
type Observer func(timestep int, batch *tensors.Tensor) error

// Sampler runs the learned reverse process: starting from pure Gaussian noise
// (or from a partially corrupted image) it repeatedly applies the denoiser,
// walking the chain backwards one timestep at a time. Each transition but the
// last adds fresh noise scaled by sqrt(beta); the final transition returns
// the predicted mean clamped to [-1, 1].
//
// A Sampler holds no mutable state between calls and takes no locks: callers
// must not train the same denoiser concurrently with sampling.
type Sampler struct {
	cfg      Config
	backend  backends.Backend
	schedule *Schedule
	denoiser Denoiser

	noiseExec   *mlcontext.Exec // draws the initial x_T
	stepExec    *mlcontext.Exec // one reverse transition at timestep t > 0
	finalExec   *mlcontext.Exec // the t == 0 transition, mean only, clamped
	diffuseExec *mlcontext.Exec // forward corruption used by Interpolate
}

// NewSampler creates the inference-side wrapper around a denoiser. The
// checkpoint fields of cfg are ignored here; loading weights is the job of
// whoever constructs the denoiser (see New and the weights package).
func NewSampler(backend backends.Backend, denoiser Denoiser, cfg Config) (*Sampler, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(cfg.Timesteps, cfg.BetaMin, cfg.BetaMax)
	if err != nil {
		return nil, err
	}
	s := &Sampler{
		cfg:      cfg,
		backend:  backend,
		schedule: schedule,
		denoiser: denoiser,
	}
	s.createExecutors()
	return s, nil
}

// Schedule returns the variance schedule in use.
func (s *Sampler) Schedule() *Schedule { return s.schedule }

// SeedRng resets the random number generator behind the noise draws, making
// sampling reproducible. Same semantics as Diffusion.SeedRng.
func (s *Sampler) SeedRng(seed int64) {
	s.denoiser.Context().RngStateFromSeed(seed)
}

func (s *Sampler) createExecutors() {
	ctx := s.denoiser.Context()
	s.noiseExec = mlcontext.NewExec(s.backend, ctx, func(ctx *mlcontext.Context, template *Node) *Node {
		return ctx.RandomNormal(template.Graph(), template.Shape())
	})
	s.stepExec = mlcontext.NewExec(s.backend, ctx, func(ctx *mlcontext.Context, inputs []*Node) []*Node {
		return s.stepGraph(ctx, inputs[0], inputs[1])
	})
	s.finalExec = mlcontext.NewExec(s.backend, ctx, func(ctx *mlcontext.Context, x *Node) []*Node {
		return s.finalStepGraph(ctx, x)
	})
	s.diffuseExec = mlcontext.NewExec(s.backend, ctx, func(ctx *mlcontext.Context, inputs []*Node) *Node {
		x := ConvertDType(inputs[0], s.cfg.DType)
		noise := ctx.RandomNormal(x.Graph(), x.Shape())
		return ConvertDType(forwardProcessGraph(s.schedule, x, inputs[1], noise), dtypes.Float32)
	})
	for _, exec := range []*mlcontext.Exec{s.noiseExec, s.stepExec, s.finalExec, s.diffuseExec} {
		exec.SetMaxCache(100)
	}
}

// stepGraph builds one reverse transition x_t -> x_{t-1} for t > 0. The
// timestep arrives as a scalar input so that one compiled program serves the
// whole chain. It returns the new batch and a scalar checksum used to detect
// numerical divergence without transferring the batch back to the host.
func (s *Sampler) stepGraph(ctx *mlcontext.Context, x, t *Node) []*Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	xd := ConvertDType(x, s.cfg.DType)
	timesteps := BroadcastToDims(Reshape(t, 1), batchSize)
	beta, alpha, alphaBar := s.schedule.Coefficients(timesteps, s.cfg.DType)
	predicted := s.denoiser.ForwardGraph(ctx, xd, timesteps)
	mean := Mul(
		Inverse(Sqrt(alpha)),
		Sub(xd, Mul(Div(beta, Sqrt(OneMinus(alphaBar))), predicted)))
	noise := ctx.RandomNormal(g, xd.Shape())
	next := ConvertDType(Add(mean, Mul(Sqrt(beta), noise)), dtypes.Float32)
	return []*Node{next, ReduceAllSum(next)}
}

// finalStepGraph builds the terminal transition at t == 0: the predicted mean
// with no noise added, clamped to the valid pixel range. The coefficients at
// t == 0 are fixed, so they are baked in as constants.
func (s *Sampler) finalStepGraph(ctx *mlcontext.Context, x *Node) []*Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	xd := ConvertDType(x, s.cfg.DType)
	timesteps := BroadcastToDims(Reshape(Scalar(g, dtypes.Int32, 0), 1), batchSize)
	predicted := s.denoiser.ForwardGraph(ctx, xd, timesteps)
	mean := MulScalar(
		Sub(xd, MulScalar(predicted, s.schedule.Beta(0)/math.Sqrt(1-s.schedule.AlphaBar(0)))),
		1/math.Sqrt(s.schedule.Alpha(0)))
	out := ClipScalar(ConvertDType(mean, dtypes.Float32), -1, 1)
	return []*Node{out, ReduceAllSum(out)}
}

// drawLatents returns a fresh x_T: standard normal noise shaped like a batch
// of batchSize images.
func (s *Sampler) drawLatents(batchSize int) *tensors.Tensor {
	template := tensors.FromShape(shapes.Make(dtypes.Float32,
		batchSize, s.cfg.ImageChannels, s.cfg.ImageSize, s.cfg.ImageSize))
	return s.noiseExec.Call(DonateTensorBuffer(template, s.backend))[0]
}

// denoiseChain walks the reverse process from fromStep down to 0. owned says
// whether x may be donated to the backend (false when it belongs to the
// caller). Checks ctx for cancellation before every transition.
func (s *Sampler) denoiseChain(ctx context.Context, x *tensors.Tensor, fromStep int, owned bool, observe Observer) (*tensors.Tensor, error) {
	for t := fromStep; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithMessagef(err, "sampling interrupted before timestep %d", t)
		}
		var input any = x
		if owned {
			input = DonateTensorBuffer(x, s.backend)
		}
		var outputs []*tensors.Tensor
		if t > 0 {
			outputs = s.stepExec.Call(input, tensors.FromScalar(int32(t)))
		} else {
			outputs = s.finalExec.Call(input)
		}
		x = outputs[0]
		owned = true
		checksum := tensors.ToScalar[float32](outputs[1])
		if math32.IsNaN(checksum) || math32.IsInf(checksum, 0) {
			return nil, errors.Errorf("sampling diverged at timestep %d: batch contains non-finite values", t)
		}
		if observe != nil {
			if err := observe(t, x); err != nil {
				return nil, errors.WithMessagef(err, "sampling observer failed at timestep %d", t)
			}
		}
	}
	return x, nil
}

// Sample draws batchSize images from the model, running the full reverse
// process from pure noise. The result is shaped
// [batchSize, channels, size, size] with values in [-1, 1].
func (s *Sampler) Sample(ctx context.Context, batchSize int) (*tensors.Tensor, error) {
	return s.SampleWithObserver(ctx, batchSize, nil)
}

// SampleWithObserver is Sample with a callback invoked after every reverse
// transition, from timestep T-1 down to 0. See Observer for the callback
// contract.
func (s *Sampler) SampleWithObserver(ctx context.Context, batchSize int, observe Observer) (*tensors.Tensor, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("sampling batch size must be positive, got %d", batchSize)
	}
	var batch *tensors.Tensor
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		batch, err = s.denoiseChain(ctx, s.drawLatents(batchSize), s.schedule.timesteps-1, true, observe)
	}); panicErr != nil {
		return nil, panicErr
	}
	return batch, err
}

// Denoise runs the reverse process on an existing batch of latents from
// fromStep down to 0. latents is typically the output of Diffusion.Forward;
// it is left untouched. Panics if latents doesn't match the configured image
// shape or fromStep is outside [0, T).
func (s *Sampler) Denoise(ctx context.Context, latents *tensors.Tensor, fromStep int, observe Observer) (*tensors.Tensor, error) {
	s.cfg.checkImages("latents", latents)
	s.checkStep(fromStep)
	var batch *tensors.Tensor
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		batch, err = s.denoiseChain(ctx, latents, fromStep, false, observe)
	}); panicErr != nil {
		return nil, panicErr
	}
	return batch, err
}

func (s *Sampler) checkStep(t int) {
	if t < 0 || t >= s.schedule.timesteps {
		exceptions.Panicf("ddpm: timestep %d out of range [0, %d)", t, s.schedule.timesteps)
	}
}

// Interpolate blends two images in noise space: both are corrupted forward to
// atStep with independent noise, linearly mixed at nPoints coefficients
// evenly spaced from 0 (all a) to 1 (all b), and the blends are denoised back
// as one batch. a and b must be single images shaped [1, channels, size,
// size]; the result is shaped [nPoints, channels, size, size].
//
// At atStep == 0 corruption is near-identity and no blend survives it in any
// meaningful way, so the endpoints come back essentially unchanged.
func (s *Sampler) Interpolate(ctx context.Context, a, b *tensors.Tensor, atStep, nPoints int) (*tensors.Tensor, error) {
	if s.cfg.checkImages("a", a) != 1 || s.cfg.checkImages("b", b) != 1 {
		exceptions.Panicf("ddpm: Interpolate takes single images shaped [1, %d, %d, %d], got %s and %s",
			s.cfg.ImageChannels, s.cfg.ImageSize, s.cfg.ImageSize, a.Shape(), b.Shape())
	}
	s.checkStep(atStep)
	if nPoints < 2 {
		exceptions.Panicf("ddpm: interpolation needs at least 2 points, got %d", nPoints)
	}
	var batch *tensors.Tensor
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		noisyA := s.diffuseExec.Call(a, tensors.FromValue([]int32{int32(atStep)}))[0]
		noisyB := s.diffuseExec.Call(b, tensors.FromValue([]int32{int32(atStep)}))[0]
		blends := blendLatents(noisyA, noisyB, nPoints)
		batch, err = s.denoiseChain(ctx, blends, atStep, true, nil)
	}); panicErr != nil {
		return nil, panicErr
	}
	return batch, err
}

// blendLatents linearly interpolates between two single-image latents,
// returning nPoints latents with mixing weights evenly spaced in [0, 1].
func blendLatents(a, b *tensors.Tensor, nPoints int) *tensors.Tensor {
	dims := a.Shape().Dimensions
	channels, height, width := dims[1], dims[2], dims[3]
	size := channels * height * width
	out := tensors.FromShape(shapes.Make(dtypes.Float32, nPoints, channels, height, width))
	tensors.ConstFlatData(a, func(flatA []float32) {
		tensors.ConstFlatData(b, func(flatB []float32) {
			tensors.MutableFlatData(out, func(flat []float32) {
				for point := 0; point < nPoints; point++ {
					lambda := float32(point) / float32(nPoints-1)
					row := flat[point*size : (point+1)*size]
					for i := range row {
						row[i] = (1-lambda)*flatA[i] + lambda*flatB[i]
					}
				}
			})
		})
	})
	return out
}

// CoarseToFine interpolates between the same two images at several starting
// timesteps, one call per entry of atSteps. Early rows (large timesteps) blend
// coarse structure; late rows blend fine detail. Returns one batch of nPoints
// images per starting timestep.
func (s *Sampler) CoarseToFine(ctx context.Context, a, b *tensors.Tensor, atSteps []int, nPoints int) ([]*tensors.Tensor, error) {
	rows := make([]*tensors.Tensor, 0, len(atSteps))
	for _, atStep := range atSteps {
		row, err := s.Interpolate(ctx, a, b, atStep, nPoints)
		if err != nil {
			return nil, errors.WithMessagef(err, "coarse-to-fine row at timestep %d failed", atStep)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
