package unet

import (
	"fmt"

	"github.com/pkg/errors"
)

// layerKind discriminates the layer types of the network plan.
type layerKind int

const (
	layerInitConv layerKind = iota
	layerResBlock
	layerDownsample
	layerUpsample
	layerOutputHead
)

// layerSpec describes one layer of the network: its kind, the context scope
// its variables live under, channel counts, and how it interacts with the
// skip-connection stack. The graph builder dispatches over these.
type layerSpec struct {
	kind    layerKind
	scope   string
	in, out int
	attn    bool

	// push remembers the layer output for a skip connection; pop concatenates
	// the most recent one onto the layer input first.
	push, pop bool
}

// buildPlan lays the network out as an ordered list of layer descriptors and
// replays it against a symbolic skip stack, so that push/pop asymmetries or
// channel mismatches are construction errors instead of graph-building
// failures deep inside a training step.
//
// Encoder: every layer output is pushed, including the initial convolution
// and the downsampling layers. Decoder: every residual block pops exactly one
// skip connection, BlocksPerStage blocks at the stage width plus one
// transition block narrowing to the width below.
func buildPlan(cfg Config) ([]layerSpec, error) {
	numStages := len(cfg.StageChannels)
	var plan []layerSpec

	plan = append(plan, layerSpec{
		kind:  layerInitConv,
		scope: "init_conv",
		in:    cfg.ImageChannels,
		out:   cfg.BaseChannels,
		push:  true,
	})
	width := cfg.BaseChannels
	for stage, channels := range cfg.StageChannels {
		for block := 0; block < cfg.BlocksPerStage; block++ {
			plan = append(plan, layerSpec{
				kind:  layerResBlock,
				scope: fmt.Sprintf("down_%02d_res_%02d", stage, block),
				in:    width,
				out:   channels,
				attn:  cfg.StageAttention[stage],
				push:  true,
			})
			width = channels
		}
		if stage < numStages-1 {
			plan = append(plan, layerSpec{
				kind:  layerDownsample,
				scope: fmt.Sprintf("down_%02d_sample", stage),
				in:    width,
				out:   width,
				push:  true,
			})
		}
	}

	plan = append(plan,
		layerSpec{kind: layerResBlock, scope: "mid_res_00", in: width, out: width, attn: true},
		layerSpec{kind: layerResBlock, scope: "mid_res_01", in: width, out: width})

	for stage := numStages - 1; stage >= 0; stage-- {
		channels := cfg.StageChannels[stage]
		for block := 0; block < cfg.BlocksPerStage; block++ {
			plan = append(plan, layerSpec{
				kind:  layerResBlock,
				scope: fmt.Sprintf("up_%02d_res_%02d", stage, block),
				in:    2 * channels,
				out:   channels,
				attn:  cfg.StageAttention[stage],
				pop:   true,
			})
		}
		below := cfg.BaseChannels
		if stage > 0 {
			below = cfg.StageChannels[stage-1]
		}
		plan = append(plan, layerSpec{
			kind:  layerResBlock,
			scope: fmt.Sprintf("up_%02d_res_%02d", stage, cfg.BlocksPerStage),
			in:    channels + below,
			out:   below,
			attn:  cfg.StageAttention[stage],
			pop:   true,
		})
		width = below
		if stage > 0 {
			plan = append(plan, layerSpec{
				kind:  layerUpsample,
				scope: fmt.Sprintf("up_%02d_sample", stage),
				in:    width,
				out:   width,
			})
		}
	}

	plan = append(plan, layerSpec{
		kind:  layerOutputHead,
		scope: "head",
		in:    cfg.BaseChannels,
		out:   cfg.ImageChannels,
	})

	if err := replayPlan(cfg, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// replayPlan simulates the skip stack and the running width over the plan.
func replayPlan(cfg Config, plan []layerSpec) error {
	var stack []int
	width := cfg.ImageChannels
	for _, spec := range plan {
		in := width
		if spec.pop {
			if len(stack) == 0 {
				return errors.Errorf("network plan pops an empty skip stack at %q", spec.scope)
			}
			in += stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
		if in != spec.in {
			return errors.Errorf("network plan carries %d channels into %q, which expects %d",
				in, spec.scope, spec.in)
		}
		width = spec.out
		if spec.push {
			stack = append(stack, spec.out)
		}
	}
	if len(stack) != 0 {
		return errors.Errorf("network plan leaves %d skip connections unconsumed", len(stack))
	}
	if width != cfg.ImageChannels {
		return errors.Errorf("network plan ends at %d channels, images have %d", width, cfg.ImageChannels)
	}
	return nil
}
