package unet

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/KimRass/ddpm-from-scratch/internal/parameters"

	. "github.com/gomlx/gomlx/graph"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "invalid network configuration")
}

func forwardExec(backend backends.Backend, model *Model) *context.Exec {
	return context.NewExec(backend, model.Context(), func(ctx *context.Context, inputs []*Node) *Node {
		return model.ForwardGraph(ctx, inputs[0], inputs[1])
	})
}

func TestModelForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(tinyConfig())
	require.NoError(t, err)
	exec := forwardExec(backend, model)

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 8, 8))
	tensors.MutableFlatData(images, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i%17)/8 - 1
		}
	})
	timesteps := tensors.FromValue([]int32{0, 9})

	out := exec.Call(images, timesteps)[0]
	require.Equal(t, []int{2, 1, 8, 8}, out.Shape().Dimensions)
	require.Equal(t, dtypes.Float32, out.Shape().DType)
	predicted := tensors.CopyFlatData[float32](out)
	for i, v := range predicted {
		require.Falsef(t, math32.IsNaN(v) || math32.IsInf(v, 0),
			"prediction %d is %f", i, v)
	}

	// Dropout only runs in training graphs, so prediction is deterministic.
	again := tensors.CopyFlatData[float32](exec.Call(images, timesteps)[0])
	require.Equal(t, predicted, again)
}

func TestModelForwardContractViolations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(tinyConfig())
	require.NoError(t, err)
	exec := forwardExec(backend, model)

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 8, 8))
	timesteps := tensors.FromValue([]int32{0, 9})

	require.Panics(t, func() { // wrong channel count
		exec.Call(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 8, 8)), timesteps)
	})
	require.Panics(t, func() { // wrong spatial size
		exec.Call(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 16, 16)), timesteps)
	})
	require.Panics(t, func() { // timestep batch mismatch
		exec.Call(images, tensors.FromValue([]int32{0}))
	})
	require.Panics(t, func() { // timesteps must be int32
		exec.Call(images, tensors.FromValue([]float32{0, 9}))
	})
}

func TestApplyParams(t *testing.T) {
	model, err := New(tinyConfig())
	require.NoError(t, err)

	params := parameters.NewFromConfigString("learning_rate=0.001,optimizer=adamw,unknown=3")
	require.NoError(t, model.ApplyParams(params))
	require.Equal(t, 0.001,
		context.GetParamOr(model.Context(), optimizers.ParamLearningRate, 0.0))
	require.Equal(t, "adamw",
		context.GetParamOr(model.Context(), optimizers.ParamOptimizer, ""))

	// Keys naming no hyperparameter stay behind for the caller to reject.
	require.Equal(t, parameters.Params{"unknown": "3"}, params)

	err = model.ApplyParams(parameters.NewFromConfigString("learning_rate=fast"))
	require.ErrorContains(t, err, `parsing hyperparameter "learning_rate" (float64)`)
}
