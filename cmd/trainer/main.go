// The trainer binary fits the denoising diffusion model on a directory of
// images and periodically checkpoints it.
//
// Typical usage:
//
//	trainer -data=photos/ -checkpoint=model/ -steps=100000 -preview_dir=previews/
//
// Training resumes from the latest checkpoint under -checkpoint when one
// exists. Interrupting with Ctrl+C stops the loop cleanly after the current
// step and still writes a final checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/imaging"
	"github.com/KimRass/ddpm-from-scratch/internal/modelflags"
	"github.com/KimRass/ddpm-from-scratch/internal/profilers"
	"github.com/KimRass/ddpm-from-scratch/internal/spinning"
	"github.com/KimRass/ddpm-from-scratch/internal/unet"
	"github.com/KimRass/ddpm-from-scratch/internal/weights"
)

// Flags
var (
	flagData = flag.String("data", "", "Directory with the training images (JPEG and PNG), "+
		"scanned recursively. Required.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to checkpoint the model to and "+
		"resume it from. Empty trains without saving.")
	flagKeep  = flag.Int("keep", 10, "Number of past checkpoints to keep before rotating old ones out.")
	flagSteps = flag.Int("steps", 0, "Number of training steps to run. "+
		"A value <= 0 trains indefinitely, until interrupted.")
	flagBatchSize = flag.Int("batch_size", 64, "Number of images per training step.")
	flagSaveEvery = flag.Int("save_every", 1000, "Checkpoint (and write a preview, if -preview_dir "+
		"is set) every this many steps.")
	flagPreviewDir = flag.String("preview_dir", "", "If set, writes a PNG grid of freshly sampled "+
		"images to this directory at every save.")
	flagPreviewCount = flag.Int("preview_count", 16, "Number of images per preview grid.")
	flagSeed         = flag.Int64("seed", 0, "If non-zero, seeds the random generator for a reproducible run.")
	flagExport       = flag.String("export", "", "If set, exports the final model weights to this safetensors file.")
	flagSet          = flag.String("set", "", "Comma-separated hyperparameter overrides, "+
		"e.g. \"learning_rate=1e-4,dropout_rate=0\".")
)

// Globals
var (
	// globalCtx is cancelled when the program is interrupted (Ctrl+C).
	globalCtx = context.Background()

	model     *unet.Model
	diffusion *ddpm.Diffusion
	sampler   *ddpm.Sampler // Only set when -preview_dir is given.
	dataset   *imaging.Dataset
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	if *flagData == "" {
		klog.Exitf("-data is required: a directory with training images")
	}
	if *flagBatchSize <= 0 {
		klog.Exitf("-batch_size must be positive, got %d", *flagBatchSize)
	}

	model = must.M1(modelflags.NewModel(*flagSet))
	cfg := must.M1(modelflags.DiffusionConfig())
	if cfg.ImageChannels != 3 {
		klog.Exitf("-image_channels must be 3 when training from image files, got %d", cfg.ImageChannels)
	}
	cfg.Checkpoint = *flagCheckpoint
	cfg.KeepCheckpoints = *flagKeep
	diffusion = must.M1(ddpm.New(ddpm.Backend(), model, cfg))
	if *flagPreviewDir != "" {
		sampler = must.M1(ddpm.NewSampler(ddpm.Backend(), model, cfg))
	}
	// An explicit seed overrides whatever RNG state the checkpoint restored.
	if *flagSeed != 0 {
		diffusion.SeedRng(*flagSeed)
	}

	dataset = must.M1(imaging.LoadDir(globalCtx, *flagData, cfg.ImageSize))
	fmt.Printf("Training on %d images from %s\n", dataset.Len(), *flagData)

	must.M(train())

	if *flagExport != "" {
		must.M(weights.ExportFile(model.Context(), *flagExport))
		fmt.Printf("Exported model weights to %s\n", *flagExport)
	}
}
