package ddpm_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/KimRass/ddpm-from-scratch/internal/ddpm"

	mlcontext "github.com/gomlx/gomlx/ml/context"

	. "github.com/gomlx/gomlx/graph"
)

// nanDenoiser predicts NaN, poisoning every transition it touches.
type nanDenoiser struct{ ctx *mlcontext.Context }

func newNaNDenoiser() *nanDenoiser {
	return &nanDenoiser{ctx: mlcontext.New().Checked(false)}
}

func (d *nanDenoiser) Context() *mlcontext.Context { return d.ctx }

func (d *nanDenoiser) ForwardGraph(ctx *mlcontext.Context, noisy, timesteps *Node) *Node {
	return AddScalar(ZerosLike(noisy), math.NaN())
}

func TestNewSamplerValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := ddpm.NewSampler(backend, newConstDenoiser(0), ddpm.Config{Timesteps: 1000, BetaMin: 1e-4, BetaMax: 0.02})
	require.ErrorContains(t, err, "image dimensions must be positive")
	_, err = ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 0))
	require.ErrorContains(t, err, "at least one timestep")
}

func TestSampleFullChain(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(32, 3, 1000))
	require.NoError(t, err)

	batch, err := s.Sample(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, []int{4, 3, 32, 32}, batch.Shape().Dimensions)
	// The terminal transition clamps, whatever the denoiser did on the way.
	for _, v := range tensors.CopyFlatData[float32](batch) {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestSampleBadBatchSize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)
	_, err = s.Sample(context.Background(), 0)
	require.ErrorContains(t, err, "must be positive")
	_, err = s.Sample(context.Background(), -3)
	require.ErrorContains(t, err, "must be positive")
}

func TestSampleDeterministicWithSeed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	s.SeedRng(42)
	first, err := s.Sample(context.Background(), 1)
	require.NoError(t, err)
	s.SeedRng(42)
	second, err := s.Sample(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t,
		tensors.CopyFlatData[float32](first),
		tensors.CopyFlatData[float32](second))
}

func TestSampleObserver(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 5))
	require.NoError(t, err)

	var seen []int
	var last []float32
	batch, err := s.SampleWithObserver(context.Background(), 2, func(timestep int, batch *tensors.Tensor) error {
		seen = append(seen, timestep)
		require.Equal(t, []int{2, 1, 8, 8}, batch.Shape().Dimensions)
		last = tensors.CopyFlatData[float32](batch)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{4, 3, 2, 1, 0}, seen)
	// The final observation is the returned batch.
	require.Equal(t, last, tensors.CopyFlatData[float32](batch))
}

func TestSampleObserverError(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	sentinel := errors.New("stop here")
	_, err = s.SampleWithObserver(context.Background(), 1, func(timestep int, batch *tensors.Tensor) error {
		if timestep == 7 {
			return sentinel
		}
		return nil
	})
	require.ErrorIs(t, err, sentinel)
	require.ErrorContains(t, err, "observer failed at timestep 7")
}

func TestSampleCancellation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sample(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)

	// Cancelling mid-run stops before the next transition.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	_, err = s.SampleWithObserver(ctx, 1, func(timestep int, batch *tensors.Tensor) error {
		if timestep == 8 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorContains(t, err, "interrupted before timestep 7")
}

func TestSampleDiverged(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newNaNDenoiser(), testConfig(8, 1, 10))
	require.NoError(t, err)
	_, err = s.Sample(context.Background(), 1)
	require.ErrorContains(t, err, "diverged at timestep 9")
}

func TestDenoiseRecoversOriginal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// A denoiser that predicts exactly the injected noise makes the terminal
	// transition an exact inverse of the t=0 corruption.
	denoiser := newConstDenoiser(0.6)
	cfg := testConfig(8, 1, 10)
	d, err := ddpm.New(backend, denoiser, cfg)
	require.NoError(t, err)
	s, err := ddpm.NewSampler(backend, denoiser, cfg)
	require.NoError(t, err)

	x0 := patternBatch(2, 1, 8)
	noisy := d.Forward(x0, []int32{0, 0}, uniformBatch(2, 1, 8, 0.6))
	rebuilt, err := s.Denoise(context.Background(), noisy, 0, nil)
	require.NoError(t, err)

	want := tensors.CopyFlatData[float32](x0)
	got := tensors.CopyFlatData[float32](rebuilt)
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-5)
	}

	// The input latents were not consumed: denoising them again works and
	// gives the same answer, as the terminal transition draws no noise.
	again, err := s.Denoise(context.Background(), noisy, 0, nil)
	require.NoError(t, err)
	require.Equal(t, got, tensors.CopyFlatData[float32](again))
}

func TestDenoiseContractViolations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	require.Panics(t, func() { _, _ = s.Denoise(context.Background(), patternBatch(1, 3, 8), 0, nil) })
	require.Panics(t, func() { _, _ = s.Denoise(context.Background(), patternBatch(1, 1, 8), 10, nil) })
	require.Panics(t, func() { _, _ = s.Denoise(context.Background(), patternBatch(1, 1, 8), -1, nil) })
}

func TestInterpolateEndpoints(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 1000))
	require.NoError(t, err)

	// At timestep 0 the forward corruption is near-identity, so the blend
	// endpoints come back essentially unchanged and the midpoint lands in
	// the middle.
	a := uniformBatch(1, 1, 8, 0.5)
	b := uniformBatch(1, 1, 8, -0.5)
	batch, err := s.Interpolate(context.Background(), a, b, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []int{3, 1, 8, 8}, batch.Shape().Dimensions)

	flat := tensors.CopyFlatData[float32](batch)
	plane := 8 * 8
	for i := range plane {
		require.InDelta(t, 0.5, flat[i], 0.1)
		require.InDelta(t, 0, flat[plane+i], 0.1)
		require.InDelta(t, -0.5, flat[2*plane+i], 0.1)
	}
}

func TestInterpolateContractViolations(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	a := uniformBatch(1, 1, 8, 0.5)
	b := uniformBatch(1, 1, 8, -0.5)
	require.Panics(t, func() { _, _ = s.Interpolate(context.Background(), patternBatch(2, 1, 8), b, 5, 3) })
	require.Panics(t, func() { _, _ = s.Interpolate(context.Background(), a, b, 10, 3) })
	require.Panics(t, func() { _, _ = s.Interpolate(context.Background(), a, b, 5, 1) })
}

func TestCoarseToFine(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s, err := ddpm.NewSampler(backend, newConstDenoiser(0), testConfig(8, 1, 10))
	require.NoError(t, err)

	a := uniformBatch(1, 1, 8, 0.5)
	b := uniformBatch(1, 1, 8, -0.5)
	rows, err := s.CoarseToFine(context.Background(), a, b, []int{9, 5, 0}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.Equal(t, []int{2, 1, 8, 8}, row.Shape().Dimensions)
	}

	// Errors from a row are annotated with its timestep.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.CoarseToFine(ctx, a, b, []int{9}, 2)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorContains(t, err, "row at timestep 9")
}
