package ddpm

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/gomlx/graph"
)

// Config carries the construction parameters shared by Diffusion and Sampler.
type Config struct {
	// Timesteps is the number of diffusion steps T. Timestep arguments
	// elsewhere in the package take values in [0, T).
	Timesteps int

	// BetaMin and BetaMax bound the linear variance schedule, and must
	// satisfy 0 < BetaMin < BetaMax < 1.
	BetaMin, BetaMax float64

	// ImageSize is the height and width of the images, ImageChannels their
	// channel count (3 for RGB).
	ImageSize     int
	ImageChannels int

	// DType is the dtype graphs compute in, a performance knob that doesn't
	// change the API: images cross it as float32 either way and are converted
	// at the graph boundary. Defaults to Float32 when unset.
	DType dtypes.DType

	// Checkpoint is the directory to save the model to and restore it from.
	// Empty disables checkpointing. Only Diffusion reads it, see New.
	Checkpoint string

	// KeepCheckpoints is how many past checkpoints to keep before rotating
	// old ones out. Defaults to 10 when zero.
	KeepCheckpoints int
}

// validate fills in defaults and rejects invalid combinations.
func (cfg Config) validate() (Config, error) {
	if cfg.ImageSize <= 0 || cfg.ImageChannels <= 0 {
		return cfg, errors.Errorf("image dimensions must be positive, got %dx%dx%d",
			cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize)
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	switch cfg.DType {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
	default:
		return cfg, errors.Errorf("computation dtype must be a float type, got %s", cfg.DType)
	}
	if cfg.KeepCheckpoints <= 0 {
		cfg.KeepCheckpoints = 10
	}
	return cfg, nil
}

// checkImages panics unless images is a float32 tensor shaped
// [batch, ImageChannels, ImageSize, ImageSize]. It returns the batch size.
func (cfg Config) checkImages(name string, images *tensors.Tensor) int {
	shape := images.Shape()
	if shape.Rank() != 4 || shape.DType != dtypes.Float32 ||
		shape.Dim(1) != cfg.ImageChannels || shape.Dim(2) != cfg.ImageSize || shape.Dim(3) != cfg.ImageSize {
		exceptions.Panicf("ddpm: %s must be float32 shaped [batch, %d, %d, %d], got %s",
			name, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize, shape)
	}
	return shape.Dim(0)
}

// Diffusion is the training side of the model: the forward corruption
// process, the noise-prediction loss, the optimizer step and checkpointing.
// It holds one compiled executor per operation, all sharing the denoiser
// context.
type Diffusion struct {
	cfg      Config
	backend  backends.Backend
	schedule *Schedule
	denoiser Denoiser

	checkpoint *checkpoints.Handler
	optimizer  optimizers.Interface

	forwardExec       *context.Exec
	forwardRandomExec *context.Exec
	lossExec          *context.Exec
	trainStepExec     *context.Exec
	predictExec       *context.Exec
	reconstructExec   *context.Exec

	// muLearning is held for writing during weight updates (TrainStep) and
	// for reading by everything else that touches the network.
	muLearning sync.RWMutex
}

// New creates the training-side wrapper around a denoiser.
//
// If cfg.Checkpoint is set, a checkpoint handler is attached to the denoiser
// context and the latest checkpoint, if any, is loaded. New runs one warm-up
// prediction so that all variables exist before it returns.
func New(backend backends.Backend, denoiser Denoiser, cfg Config) (*Diffusion, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	schedule, err := NewSchedule(cfg.Timesteps, cfg.BetaMin, cfg.BetaMax)
	if err != nil {
		return nil, err
	}
	d := &Diffusion{
		cfg:      cfg,
		backend:  backend,
		schedule: schedule,
		denoiser: denoiser,
	}
	ctx := denoiser.Context()
	if cfg.Checkpoint != "" {
		d.checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.Checkpoint).Keep(cfg.KeepCheckpoints).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to set up checkpointing in %q", cfg.Checkpoint)
		}
	}
	d.optimizer = optimizers.FromContext(ctx)
	d.createExecutors()

	// Force creation (or checkpoint loading) of the network variables now,
	// so concurrent reads later never race on variable creation.
	err = exceptions.TryCatch[error](func() {
		warmup := tensors.FromShape(shapes.Make(dtypes.Float32, 1, cfg.ImageChannels, cfg.ImageSize, cfg.ImageSize))
		_ = d.predictExec.Call(DonateTensorBuffer(warmup, d.backend), tensors.FromValue([]int32{0}))[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize the denoiser variables")
	}
	return d, nil
}

// Schedule returns the variance schedule in use.
func (d *Diffusion) Schedule() *Schedule { return d.schedule }

// Config returns the configuration the Diffusion was built with, with
// defaults filled in.
func (d *Diffusion) Config() Config { return d.cfg }

// forwardProcessGraph corrupts x0 to the given timesteps:
// sqrt(alphaBar)*x0 + sqrt(1-alphaBar)*noise, elementwise per example.
// x0 and noise must already be in the computation dtype.
func forwardProcessGraph(schedule *Schedule, x0, timesteps, noise *Node) *Node {
	_, _, alphaBar := schedule.Coefficients(timesteps, x0.DType())
	return Add(
		Mul(Sqrt(alphaBar), x0),
		Mul(Sqrt(OneMinus(alphaBar)), noise))
}

// drawTimestepsGraph draws batchSize timesteps uniformly from [0, T).
func drawTimestepsGraph(ctx *context.Context, g *Graph, schedule *Schedule, batchSize int) *Node {
	uniform := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize))
	return ConvertDType(Floor(MulScalar(uniform, float64(schedule.timesteps))), dtypes.Int32)
}

// lossGraph draws timesteps and noise, corrupts the batch and returns the
// scalar mean squared error between the injected and the predicted noise.
func (d *Diffusion) lossGraph(ctx *context.Context, x0 *Node) *Node {
	g := x0.Graph()
	batchSize := x0.Shape().Dim(0)
	x := ConvertDType(x0, d.cfg.DType)
	timesteps := drawTimestepsGraph(ctx, g, d.schedule, batchSize)
	noise := ctx.RandomNormal(g, x.Shape())
	noisy := forwardProcessGraph(d.schedule, x, timesteps, noise)
	predicted := d.denoiser.ForwardGraph(ctx, noisy, timesteps)
	loss := losses.MeanSquaredError([]*Node{noise}, []*Node{predicted})
	if !loss.IsScalar() {
		// Some loss implementations return one value per example.
		loss = ReduceAllMean(loss)
	}
	return ConvertDType(loss, dtypes.Float32)
}

func (d *Diffusion) createExecutors() {
	ctx := d.denoiser.Context()
	d.forwardExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		x := ConvertDType(inputs[0], d.cfg.DType)
		noise := ConvertDType(inputs[2], d.cfg.DType)
		return ConvertDType(forwardProcessGraph(d.schedule, x, inputs[1], noise), dtypes.Float32)
	})
	d.forwardRandomExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		x := ConvertDType(inputs[0], d.cfg.DType)
		noise := ctx.RandomNormal(x.Graph(), x.Shape())
		return ConvertDType(forwardProcessGraph(d.schedule, x, inputs[1], noise), dtypes.Float32)
	})
	d.lossExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, x0 *Node) *Node {
		return d.lossGraph(ctx, x0)
	})
	d.trainStepExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, x0 *Node) *Node {
		g := x0.Graph()
		ctx.SetTraining(g, true)
		loss := d.lossGraph(ctx, x0)
		d.optimizer.UpdateGraph(ctx, g, loss)
		train.ExecPerStepUpdateGraphFn(ctx, g)
		return loss
	})
	d.predictExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		noisy := ConvertDType(inputs[0], d.cfg.DType)
		predicted := d.denoiser.ForwardGraph(ctx, noisy, inputs[1])
		return ConvertDType(predicted, dtypes.Float32)
	})
	d.reconstructExec = context.NewExec(d.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		noisy := ConvertDType(inputs[0], d.cfg.DType)
		noise := ConvertDType(inputs[2], d.cfg.DType)
		_, _, alphaBar := d.schedule.Coefficients(inputs[1], d.cfg.DType)
		x0 := Div(
			Sub(noisy, Mul(Sqrt(OneMinus(alphaBar)), noise)),
			Sqrt(alphaBar))
		return ConvertDType(x0, dtypes.Float32)
	})
	for _, exec := range []*context.Exec{
		d.forwardExec, d.forwardRandomExec, d.lossExec, d.trainStepExec, d.predictExec, d.reconstructExec} {
		exec.SetMaxCache(100)
	}
}

// timestepsTensor validates the timesteps against the schedule and batch size
// and converts them to a [batch] int32 tensor. Panics on contract violations.
func (d *Diffusion) timestepsTensor(timesteps []int32, batchSize int) *tensors.Tensor {
	if len(timesteps) != batchSize {
		exceptions.Panicf("ddpm: got %d timesteps for a batch of %d images", len(timesteps), batchSize)
	}
	for _, t := range timesteps {
		if t < 0 || int(t) >= d.schedule.timesteps {
			exceptions.Panicf("ddpm: timestep %d out of range [0, %d)", t, d.schedule.timesteps)
		}
	}
	return tensors.FromValue(timesteps)
}

// Forward runs the forward diffusion process: it corrupts x0 to the given
// per-example timesteps. When noise is nil, a standard normal sample is drawn
// from the denoiser context RNG; otherwise noise must have the shape of x0.
// x0 is left untouched and the corrupted batch is returned as a new tensor.
func (d *Diffusion) Forward(x0 *tensors.Tensor, timesteps []int32, noise *tensors.Tensor) *tensors.Tensor {
	batchSize := d.cfg.checkImages("x0", x0)
	steps := d.timestepsTensor(timesteps, batchSize)
	d.muLearning.RLock()
	defer d.muLearning.RUnlock()
	if noise == nil {
		return d.forwardRandomExec.Call(x0, steps)[0]
	}
	if d.cfg.checkImages("noise", noise) != batchSize {
		exceptions.Panicf("ddpm: x0 and noise have different batch sizes (%d vs %d)",
			batchSize, noise.Shape().Dim(0))
	}
	return d.forwardExec.Call(x0, steps, noise)[0]
}

// Loss evaluates the training objective on a batch without touching the
// weights: the MSE between injected and predicted noise at uniformly drawn
// timesteps. Successive calls differ in their random draws.
func (d *Diffusion) Loss(x0 *tensors.Tensor) float32 {
	d.cfg.checkImages("x0", x0)
	d.muLearning.RLock()
	defer d.muLearning.RUnlock()
	return tensors.ToScalar[float32](d.lossExec.Call(x0)[0])
}

// TrainStep runs one optimizer update on a batch of images and returns the
// batch loss. It serializes against every other use of the network.
func (d *Diffusion) TrainStep(x0 *tensors.Tensor) float32 {
	d.cfg.checkImages("x0", x0)
	d.muLearning.Lock()
	defer d.muLearning.Unlock()
	return tensors.ToScalar[float32](d.trainStepExec.Call(x0)[0])
}

// PredictNoise runs the denoiser on a batch of noisy images, returning its
// estimate of the noise component at the given per-example timesteps.
func (d *Diffusion) PredictNoise(noisy *tensors.Tensor, timesteps []int32) *tensors.Tensor {
	batchSize := d.cfg.checkImages("noisy", noisy)
	steps := d.timestepsTensor(timesteps, batchSize)
	d.muLearning.RLock()
	defer d.muLearning.RUnlock()
	return d.predictExec.Call(noisy, steps)[0]
}

// Reconstruct inverts the forward process in closed form:
// (noisy - sqrt(1-alphaBar)*noise) / sqrt(alphaBar). Given the exact noise
// used to corrupt, it recovers the original batch up to rounding.
func (d *Diffusion) Reconstruct(noisy *tensors.Tensor, timesteps []int32, noise *tensors.Tensor) *tensors.Tensor {
	batchSize := d.cfg.checkImages("noisy", noisy)
	if d.cfg.checkImages("noise", noise) != batchSize {
		exceptions.Panicf("ddpm: noisy and noise have different batch sizes (%d vs %d)",
			batchSize, noise.Shape().Dim(0))
	}
	steps := d.timestepsTensor(timesteps, batchSize)
	d.muLearning.RLock()
	defer d.muLearning.RUnlock()
	return d.reconstructExec.Call(noisy, steps, noise)[0]
}

// Save checkpoints the denoiser variables, optimizer state and RNG state. It
// logs a warning and does nothing when no checkpoint directory is configured.
func (d *Diffusion) Save() error {
	if d.checkpoint == nil {
		klog.Warning("ddpm: Save called without a checkpoint directory configured, nothing saved")
		return nil
	}
	d.muLearning.RLock()
	defer d.muLearning.RUnlock()
	return d.checkpoint.Save()
}

// SeedRng resets the random number generator behind all noise and timestep
// draws. Training and sampling become reproducible given the same seed,
// weights and call sequence.
func (d *Diffusion) SeedRng(seed int64) {
	d.muLearning.Lock()
	defer d.muLearning.Unlock()
	d.denoiser.Context().RngStateFromSeed(seed)
}
