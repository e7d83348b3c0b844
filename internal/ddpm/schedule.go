package ddpm

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gonum/floats"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/graph"
)

// Schedule is the variance schedule of the diffusion process: the per-step
// noise variances beta, linearly spaced from betaMin to betaMax, and the
// derived alpha = 1-beta and alphaBar = cumprod(alpha) tables.
//
// A Schedule is immutable once built and cheap to share. The same parameters
// always produce bit-identical tables: everything is derived in float64 with
// no randomness involved.
type Schedule struct {
	timesteps        int
	betaMin, betaMax float64

	beta, alpha, alphaBar []float64

	// Same tables as tensors, fed to graphs as cached constants.
	betaT, alphaT, alphaBarT *tensors.Tensor
}

// NewSchedule builds the linear variance schedule with the given number of
// timesteps and beta range. The canonical DDPM setting is
// NewSchedule(1000, 1e-4, 0.02).
func NewSchedule(timesteps int, betaMin, betaMax float64) (*Schedule, error) {
	if timesteps <= 0 {
		return nil, errors.Errorf("diffusion schedule requires at least one timestep, got timesteps=%d", timesteps)
	}
	if betaMin <= 0 || betaMax >= 1 || betaMin >= betaMax {
		return nil, errors.Errorf("diffusion schedule requires 0 < betaMin < betaMax < 1, got betaMin=%g, betaMax=%g",
			betaMin, betaMax)
	}
	s := &Schedule{
		timesteps: timesteps,
		betaMin:   betaMin,
		betaMax:   betaMax,
		beta:      make([]float64, timesteps),
		alpha:     make([]float64, timesteps),
		alphaBar:  make([]float64, timesteps),
	}
	if timesteps == 1 {
		// floats.Span needs at least two points.
		s.beta[0] = betaMin
	} else {
		floats.Span(s.beta, betaMin, betaMax)
	}
	for t, beta := range s.beta {
		s.alpha[t] = 1 - beta
	}
	floats.CumProd(s.alphaBar, s.alpha)
	s.betaT = tensors.FromValue(s.beta)
	s.alphaT = tensors.FromValue(s.alpha)
	s.alphaBarT = tensors.FromValue(s.alphaBar)
	return s, nil
}

// Timesteps returns the number of steps T of the schedule. Valid timestep
// indices range from 0 to T-1.
func (s *Schedule) Timesteps() int { return s.timesteps }

// Beta returns the noise variance added at timestep t.
func (s *Schedule) Beta(t int) float64 { return s.beta[t] }

// Alpha returns 1-beta at timestep t.
func (s *Schedule) Alpha(t int) float64 { return s.alpha[t] }

// AlphaBar returns the cumulative product of alpha up to and including
// timestep t, the fraction of signal variance surviving t+1 corruption steps.
func (s *Schedule) AlphaBar(t int) float64 { return s.alphaBar[t] }

// Coefficients looks up beta, alpha and alphaBar for a batch of timesteps,
// inside a graph. timesteps must be shaped [batchSize] with dtype int32 and
// values in [0, T). The returned nodes are shaped [batchSize, 1, 1, 1] in the
// given dtype, ready to broadcast against [batchSize, channels, height, width]
// image batches.
func (s *Schedule) Coefficients(timesteps *Node, dtype dtypes.DType) (beta, alpha, alphaBar *Node) {
	g := timesteps.Graph()
	batchSize := timesteps.Shape().Dim(0)
	indices := ExpandAxes(timesteps, -1) // [batchSize, 1]
	lookup := func(table *tensors.Tensor) *Node {
		values := ConvertDType(ConstCachedTensor(g, table), dtype)
		return Reshape(Gather(values, indices), batchSize, 1, 1, 1)
	}
	return lookup(s.betaT), lookup(s.alphaT), lookup(s.alphaBarT)
}
