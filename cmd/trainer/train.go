package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/KimRass/ddpm-from-scratch/internal/imaging"
)

const averageLossDecay = float32(0.95)

// movingAverage keeps an exponentially decayed average of the loss, warming
// up over the first steps so the zero initialization doesn't anchor it.
func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// train runs training steps until the step budget or the context runs out,
// saving every -save_every steps and once more at the end.
func train() error {
	var averageLoss float32
	var numSteps int
	var saveErr error
	start := time.Now()

	err := exceptions.TryCatch[error](func() {
		for *flagSteps <= 0 || numSteps < *flagSteps {
			if globalCtx.Err() != nil {
				return
			}
			loss := diffusion.TrainStep(dataset.Batch(*flagBatchSize))
			numSteps++
			averageLoss = movingAverage(averageLoss, loss, averageLossDecay, numSteps)
			printProgress(numSteps, *flagSteps, averageLoss, dataset.Epochs(), time.Since(start))
			if *flagSaveEvery > 0 && numSteps%*flagSaveEvery == 0 && numSteps != *flagSteps {
				if saveErr = save(numSteps); saveErr != nil {
					return
				}
			}
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}
	if saveErr != nil {
		return saveErr
	}
	if numSteps == 0 {
		return nil
	}
	return save(numSteps)
}

// save checkpoints the model and, when enabled, writes a preview grid of
// freshly sampled images.
func save(step int) error {
	if *flagCheckpoint != "" {
		if err := diffusion.Save(); err != nil {
			return errors.WithMessagef(err, "failed to checkpoint at step %d", step)
		}
		fmt.Printf("\nCheckpointed at step %d\n", step)
	}
	if sampler == nil {
		return nil
	}
	batch, err := sampler.Sample(globalCtx, *flagPreviewCount)
	if err != nil {
		if globalCtx.Err() != nil {
			// Interrupted mid-preview. The checkpoint above is already safe.
			return nil
		}
		return errors.WithMessagef(err, "failed to sample a preview at step %d", step)
	}
	path := filepath.Join(*flagPreviewDir, fmt.Sprintf("samples_%08d.png", step))
	if err := imaging.SaveGrid(batch, gridColumns(*flagPreviewCount), path); err != nil {
		return err
	}
	fmt.Printf("Wrote preview %s\n", path)
	return nil
}

// gridColumns lays n images out square-ish: 16 images make 4 columns.
func gridColumns(n int) int {
	cols := 1
	for cols*cols < n {
		cols++
	}
	return cols
}
