package weights_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/nlpodyssey/safetensors"
	"github.com/nlpodyssey/safetensors/dtype"
	"github.com/stretchr/testify/require"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"
	"github.com/KimRass/ddpm-from-scratch/internal/unet"
	"github.com/KimRass/ddpm-from-scratch/internal/weights"
)

// materializedModel builds a small denoiser and runs it once through the
// diffusion wrapper, so all its variables exist before export or import.
func materializedModel(t *testing.T, base int) *unet.Model {
	t.Helper()
	cfg := unet.Config{
		ImageChannels:  1,
		ImageSize:      8,
		BaseChannels:   base,
		StageChannels:  []int{base, 2 * base},
		StageAttention: []bool{false, true},
		BlocksPerStage: 1,
		NormGroups:     4,
		TimeChannels:   32,
		Timesteps:      10,
	}
	model, err := unet.New(cfg)
	require.NoError(t, err)
	_, err = ddpm.New(graphtest.BuildTestBackend(), model, ddpm.Config{
		Timesteps:     10,
		BetaMin:       1e-4,
		BetaMax:       0.02,
		ImageSize:     8,
		ImageChannels: 1,
	})
	require.NoError(t, err)
	return model
}

func TestRoundTrip(t *testing.T) {
	model := materializedModel(t, 8)
	ctx := model.Context()

	var buf bytes.Buffer
	require.NoError(t, weights.Export(ctx, &buf))

	// Snapshot the weights, zero them all out, then import the export back.
	before := make(map[string][]float32)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		name := v.Scope() + "/" + v.Name()
		before[name] = tensors.CopyFlatData[float32](v.Value())
		v.SetValue(tensors.FromShape(v.Shape()))
	})
	require.Greater(t, len(before), 10)

	require.NoError(t, weights.Import(ctx, bytes.NewReader(buf.Bytes())))

	restored := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		name := v.Scope() + "/" + v.Name()
		require.Equal(t, before[name], tensors.CopyFlatData[float32](v.Value()), name)
		restored++
	})
	require.Equal(t, len(before), restored)
}

func TestFileRoundTrip(t *testing.T) {
	model := materializedModel(t, 8)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, weights.ExportFile(model.Context(), path))
	require.NoError(t, weights.ImportFile(model.Context(), path))
}

func TestImportMissingTensor(t *testing.T) {
	model := materializedModel(t, 8)
	st, err := safetensors.NewTensor("bogus/weights", dtype.F32, []int{2}, []float32{1, 2})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, safetensors.Serialize(&buf, []safetensors.Tensor{st}, nil))

	err = weights.Import(model.Context(), &buf)
	require.ErrorContains(t, err, "no tensor named")
}

func TestImportUnknownTensor(t *testing.T) {
	model := materializedModel(t, 8)
	ctx := model.Context()
	var buf bytes.Buffer
	require.NoError(t, weights.Export(ctx, &buf))

	st, err := safetensors.ReadAll(bytes.NewReader(buf.Bytes()), 1<<24)
	require.NoError(t, err)
	extra, err := safetensors.NewTensor("nowhere/gain", dtype.F32, []int{1}, []float32{1})
	require.NoError(t, err)
	var tampered bytes.Buffer
	require.NoError(t, safetensors.Serialize(&tampered, append(st.Tensors, extra), nil))

	err = weights.Import(ctx, &tampered)
	require.ErrorContains(t, err, "matching no variable")
}

func TestImportShapeMismatch(t *testing.T) {
	small := materializedModel(t, 8)
	var buf bytes.Buffer
	require.NoError(t, weights.Export(small.Context(), &buf))

	wide := materializedModel(t, 16)
	err := weights.Import(wide.Context(), &buf)
	require.ErrorContains(t, err, "is shaped")
}

func TestImportCorruptStream(t *testing.T) {
	model := materializedModel(t, 8)
	err := weights.Import(model.Context(), strings.NewReader("not a safetensors file"))
	require.ErrorContains(t, err, "failed to read safetensors stream")
}
