// Package ddpm implements a denoising diffusion probabilistic model (DDPM):
// the fixed forward process that gradually corrupts images with Gaussian
// noise, the training objective for a noise-prediction network, and the
// reverse (sampling) process that turns pure noise back into images.
//
// The package is organized around three pieces:
//
//   - Schedule: the precomputed variance schedule (beta, alpha and their
//     cumulative products), shared by training and sampling.
//   - Diffusion: the training side. It owns the executors for the forward
//     process, the loss and the optimizer update, plus checkpointing.
//   - Sampler: the inference side. It runs the reverse process step by step,
//     with optional per-step observation for animations and interpolation
//     between images.
//
// Both Diffusion and Sampler drive a Denoiser, the noise-prediction network.
// The network in internal/unet implements it, but tests substitute trivial
// ones.
//
// All images cross this API as channels-first float32 tensors shaped
// [batch, channels, height, width], with pixel values normalized to [-1, 1].
package ddpm

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"

	. "github.com/gomlx/gomlx/graph"
)

// Denoiser is the noise-prediction network driven by the diffusion process.
//
// ForwardGraph must build the graph that predicts the noise component of a
// batch of noisy images: noisy is shaped [batch, channels, height, width],
// timesteps is shaped [batch] with dtype int32, and the returned node must
// have the same shape and dtype as noisy.
type Denoiser interface {
	// Context returns the context holding the network variables and
	// hyperparameters. It is shared by all executors built on the network.
	Context() *context.Context

	// ForwardGraph adds the noise prediction computation to the graph of noisy.
	ForwardGraph(ctx *context.Context, noisy, timesteps *Node) *Node
}

// backend is a singleton, lazily created: the process-wide accelerator used
// by every executor in this package unless the caller provides its own.
var backend = sync.OnceValue(func() backends.Backend {
	return backends.New()
})

// Backend returns the process-wide GoMLX backend, creating it on first use.
// Binaries must link a backend implementation, usually with
//
//	import _ "github.com/gomlx/gomlx/backends/xla"
func Backend() backends.Backend {
	return backend()
}
