package unet

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	. "github.com/gomlx/gomlx/graph"
)

// sinusoidalTable precomputes the fixed timestep encodings, one row per
// timestep: row[2i] = sin(t/10000^(2i/dim)), row[2i+1] = cos of the same
// angle. dim must be even.
func sinusoidalTable(timesteps, dim int) *tensors.Tensor {
	table := tensors.FromShape(shapes.Make(dtypes.Float64, timesteps, dim))
	tensors.MutableFlatData(table, func(flat []float64) {
		for t := 0; t < timesteps; t++ {
			row := flat[t*dim : (t+1)*dim]
			for i := 0; i < dim/2; i++ {
				angle := float64(t) / math.Pow(10000, 2*float64(i)/float64(dim))
				row[2*i] = math.Sin(angle)
				row[2*i+1] = math.Cos(angle)
			}
		}
	})
	return table
}

// timeEmbedding maps a batch of integer timesteps to the embedding injected
// into every residual block: a sinusoidal table lookup expanded by a
// two-layer MLP. timesteps is shaped [batch], the result
// [batch, TimeChannels].
func (m *Model) timeEmbedding(ctx *context.Context, timesteps *Node, dtype dtypes.DType) *Node {
	g := timesteps.Graph()
	table := ConvertDType(ConstCachedTensor(g, m.table), dtype)
	emb := Gather(table, ExpandAxes(timesteps, -1)) // [batch, TimeChannels/4]
	emb = layers.Dense(ctx.In("linear_00"), emb, true, m.cfg.TimeChannels)
	emb = activations.ApplyFromContext(ctx, emb)
	emb = layers.Dense(ctx.In("linear_01"), emb, true, m.cfg.TimeChannels)
	return emb
}
