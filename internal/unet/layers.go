package unet

import (
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"

	. "github.com/gomlx/gomlx/graph"
)

const normEpsilon = 1e-5

// groupNorm normalizes x over the spatial axes and channel groups, with a
// learned per-channel gain and offset. x must be shaped
// [batch, height, width, channels] with channels divisible by NormGroups.
func (m *Model) groupNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	groups := m.cfg.NormGroups
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]

	grouped := Reshape(x, batchSize, height, width, groups, channels/groups)
	mean := Reshape(ReduceMean(grouped, 1, 2, 4), batchSize, 1, 1, groups, 1)
	centered := Sub(grouped, mean)
	variance := Reshape(ReduceMean(Square(centered), 1, 2, 4), batchSize, 1, 1, groups, 1)
	normalized := Div(centered, Sqrt(AddScalar(variance, normEpsilon)))
	out := Reshape(normalized, batchSize, height, width, channels)

	gain := ctx.WithInitializer(initializers.One).
		VariableWithShape("gain", shapes.Make(x.DType(), channels)).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(x.DType(), channels)).ValueGraph(g)
	return Add(
		Mul(out, Reshape(gain, 1, 1, 1, channels)),
		Reshape(offset, 1, 1, 1, channels))
}

// resBlock is the main building block: two norm/activation/convolution
// pipelines with the timestep embedding added in between, a learned 1x1
// shortcut when the width changes, and optional self-attention on the output.
func (m *Model) resBlock(ctx *context.Context, x, timeEmb *Node, spec layerSpec) *Node {
	g := x.Graph()
	shortcut := x

	h := m.groupNorm(ctx.In("norm_00"), x)
	h = activations.ApplyFromContext(ctx, h)
	h = layers.Convolution(ctx.In("conv_00"), h).Channels(spec.out).KernelSize(3).PadSame().Done()

	t := activations.ApplyFromContext(ctx, timeEmb)
	t = layers.Dense(ctx.In("time_proj"), t, true, spec.out)
	h = Add(h, Reshape(t, t.Shape().Dim(0), 1, 1, spec.out))

	h = m.groupNorm(ctx.In("norm_01"), h)
	h = activations.ApplyFromContext(ctx, h)
	if rate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0); rate > 0 {
		h = layers.Dropout(ctx, h, Scalar(g, h.DType(), rate))
	}
	h = layers.Convolution(ctx.In("conv_01"), h).Channels(spec.out).KernelSize(3).PadSame().Done()

	if spec.in != spec.out {
		shortcut = layers.Convolution(ctx.In("shortcut"), shortcut).Channels(spec.out).KernelSize(1).PadSame().Done()
	}
	x = Add(h, shortcut)
	if spec.attn {
		x = m.selfAttention(ctx.In("attn"), x)
	}
	return x
}

// selfAttention applies single-head scaled dot-product attention over the
// flattened spatial positions, with a residual connection around it.
func (m *Model) selfAttention(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	shortcut := x

	h := m.groupNorm(ctx.In("norm"), x)
	qkv := layers.Convolution(ctx.In("qkv"), h).Channels(3 * channels).KernelSize(1).PadSame().Done()
	qkv = Reshape(qkv, batchSize, height*width, 3*channels)
	query := Slice(qkv, AxisRange(), AxisRange(), AxisRange(0, channels))
	key := Slice(qkv, AxisRange(), AxisRange(), AxisRange(channels, 2*channels))
	value := Slice(qkv, AxisRange(), AxisRange(), AxisRange(2*channels, 3*channels))

	scores := MulScalar(Einsum("bqc,bkc->bqk", query, key), 1/math.Sqrt(float64(channels)))
	weights := Softmax(scores) // over the key axis
	h = Einsum("bqk,bkc->bqc", weights, value)
	h = Reshape(h, batchSize, height, width, channels)
	h = layers.Convolution(ctx.In("out"), h).Channels(channels).KernelSize(1).PadSame().Done()
	return Add(h, shortcut)
}

// downsample halves the spatial resolution with a strided 3x3 convolution.
func (m *Model) downsample(ctx *context.Context, x *Node, spec layerSpec) *Node {
	return layers.Convolution(ctx, x).Channels(spec.out).KernelSize(3).Strides(2).PadSame().Done()
}

// upsample doubles the spatial resolution by nearest-neighbor replication
// followed by a 3x3 convolution.
func (m *Model) upsample(ctx *context.Context, x *Node, spec layerSpec) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batchSize, height, 2, width, 2, channels)
	x = Reshape(x, batchSize, 2*height, 2*width, channels)
	return layers.Convolution(ctx, x).Channels(spec.out).KernelSize(3).PadSame().Done()
}
