// The generate binary samples images from a trained denoising diffusion
// model. It loads the model from a -checkpoint directory written by the
// trainer, or from a safetensors -import file, and runs one of four modes:
//
//	sample          a PNG grid of fresh images drawn from noise (the default)
//	video           an animated GIF of the denoising chain
//	interpolate     a row blending two images in noise space
//	coarse_to_fine  interpolation rows at several noise levels
//
// The network flags (-image_size, -channels, ...) must match the ones the
// model was trained with.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/modelflags"
	"github.com/KimRass/ddpm-from-scratch/internal/profilers"
	"github.com/KimRass/ddpm-from-scratch/internal/spinning"
	"github.com/KimRass/ddpm-from-scratch/internal/weights"
)

// Flags
var (
	flagMode       Mode
	flagCheckpoint = flag.String("checkpoint", "", "Directory with the checkpoints written by the trainer.")
	flagImport     = flag.String("import", "", "Safetensors file with exported model weights. "+
		"Loaded after the checkpoint, when both are given.")
	flagOut  = flag.String("out", "", "Output file. Defaults to <mode>.png, or <mode>.gif for the video mode.")
	flagN    = flag.Int("n", 16, "Number of images to sample, for the sample and video modes.")
	flagCols = flag.Int("cols", 0, "Number of grid columns. 0 picks the squarest fit.")
	flagSeed = flag.Int64("seed", 0, "If non-zero, seeds the random generator for reproducible output.")

	// Video mode.
	flagFrames = flag.Int("frames", 64, "Number of GIF frames taken from the denoising chain.")
	flagDelay  = flag.Int("delay", 4, "GIF frame delay, in 1/100ths of a second.")

	// Interpolation modes.
	flagImageA = flag.String("image_a", "", "First endpoint image for the interpolation modes.")
	flagImageB = flag.String("image_b", "", "Second endpoint image for the interpolation modes.")
	flagAt     = flag.Int("at", 500, "Timestep the endpoints are corrupted to before interpolating.")
	flagPoints = flag.Int("points", 10, "Number of interpolation points between the endpoints.")
	flagRows   = flag.Int("rows", 5, "Number of noise levels for the coarse_to_fine mode.")
)

func init() {
	flag.TextVar(&flagMode, "mode", ModeSample,
		fmt.Sprintf("What to generate: one of %s.", strings.Join(ModeStrings(), ", ")))
}

// globalCtx is cancelled when the program is interrupted (Ctrl+C).
var globalCtx = context.Background()

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(globalCtx)
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	if *flagCheckpoint == "" && *flagImport == "" {
		klog.Exitf("one of -checkpoint or -import is required to locate the trained model")
	}

	model := must.M1(modelflags.NewModel(""))
	cfg := must.M1(modelflags.DiffusionConfig())
	cfg.Checkpoint = *flagCheckpoint

	// New materializes the model variables and loads the latest checkpoint
	// when -checkpoint is set. Imported weights then overwrite them.
	must.M1(ddpm.New(ddpm.Backend(), model, cfg))
	if *flagImport != "" {
		must.M(weights.ImportFile(model.Context(), *flagImport))
	}
	sampler := must.M1(ddpm.NewSampler(ddpm.Backend(), model, cfg))
	if *flagSeed != 0 {
		sampler.SeedRng(*flagSeed)
	}

	switch flagMode {
	case ModeSample:
		must.M(runSample(sampler))
	case ModeVideo:
		must.M(runVideo(sampler, cfg))
	case ModeInterpolate:
		must.M(runInterpolate(sampler, cfg))
	case ModeCoarseToFine:
		must.M(runCoarseToFine(sampler, cfg))
	}
}
