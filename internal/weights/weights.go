// Package weights exchanges model weights with other tools through the
// safetensors format. Every context variable is stored under its fully
// qualified scope/name, so exports round-trip exactly and loaders in other
// frameworks can address individual tensors by name.
package weights

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/nlpodyssey/safetensors"
	"github.com/nlpodyssey/safetensors/dtype"
	"github.com/pkg/errors"
)

// headerSizeLimit bounds the safetensors header accepted on import. The
// header only holds names and shapes; 16MB is far beyond any sane model.
const headerSizeLimit = 1 << 24

// exportMetadata is written into the safetensors header, the way other
// toolkits record their producing framework there.
var exportMetadata = map[string]string{"format": "gomlx"}

// qualifiedName is the name a variable is stored under: its context scope
// joined with its own name.
func qualifiedName(v *context.Variable) string {
	return v.Scope() + "/" + v.Name()
}

// Export writes every trainable variable of ctx to w in safetensors format,
// sorted by qualified name. Trainable variables are exactly the model
// weights: optimizer slots, step counters and the RNG state stay out, which
// keeps the file loadable into a freshly built model. Full training state
// belongs to checkpoints, not here.
func Export(ctx *context.Context, w io.Writer) error {
	var sts []safetensors.Tensor
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil || !v.Trainable {
			return
		}
		var st safetensors.Tensor
		st, err = toSafetensor(v)
		if err != nil {
			return
		}
		sts = append(sts, st)
	})
	if err != nil {
		return err
	}
	slices.SortFunc(sts, func(a, b safetensors.Tensor) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return errors.Wrap(safetensors.Serialize(w, sts, exportMetadata), "failed to serialize weights")
}

// ExportFile writes the variables of ctx to path, creating or truncating it.
func ExportFile(ctx *context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = Export(ctx, f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to export weights to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// Import reads a safetensors stream and assigns every tensor to the
// trainable context variable with the same qualified name. The context must
// already hold its model variables (one forward or loss execution creates
// them). Missing names, unknown names and shape or dtype mismatches are
// errors; on error the variables may be left partially assigned.
func Import(ctx *context.Context, r io.Reader) error {
	st, err := safetensors.ReadAll(r, headerSizeLimit)
	if err != nil {
		return errors.Wrap(err, "failed to read safetensors stream")
	}
	byName := make(map[string]safetensors.Tensor, len(st.Tensors))
	for _, tensor := range st.Tensors {
		byName[tensor.Name()] = tensor
	}
	assigned := make(map[string]bool, len(byName))
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil || !v.Trainable {
			return
		}
		name := qualifiedName(v)
		tensor, found := byName[name]
		if !found {
			err = errors.Errorf("stream has no tensor named %q", name)
			return
		}
		if err = assign(v, tensor); err == nil {
			assigned[name] = true
		}
	})
	if err != nil {
		return err
	}
	if len(assigned) != len(byName) {
		names := make([]string, 0, len(byName)-len(assigned))
		for name := range byName {
			if !assigned[name] {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		return errors.Errorf("stream has %d tensors matching no variable: %v", len(names), names)
	}
	return nil
}

// ImportFile loads the variables of ctx from path.
func ImportFile(ctx *context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()
	return errors.WithMessagef(Import(ctx, f), "failed to import weights from %q", path)
}

func toSafetensor(v *context.Variable) (safetensors.Tensor, error) {
	name := qualifiedName(v)
	value := v.Value()
	shape := value.Shape()
	var st safetensors.Tensor
	var err error
	switch shape.DType {
	case dtypes.Float32:
		tensors.ConstFlatData(value, func(flat []float32) {
			st, err = safetensors.NewTensor(name, dtype.F32, shape.Dimensions, slices.Clone(flat))
		})
	case dtypes.Float64:
		tensors.ConstFlatData(value, func(flat []float64) {
			st, err = safetensors.NewTensor(name, dtype.F64, shape.Dimensions, slices.Clone(flat))
		})
	case dtypes.Int32:
		tensors.ConstFlatData(value, func(flat []int32) {
			st, err = safetensors.NewTensor(name, dtype.I32, shape.Dimensions, slices.Clone(flat))
		})
	case dtypes.Int64:
		tensors.ConstFlatData(value, func(flat []int64) {
			st, err = safetensors.NewTensor(name, dtype.I64, shape.Dimensions, slices.Clone(flat))
		})
	case dtypes.Uint64:
		tensors.ConstFlatData(value, func(flat []uint64) {
			st, err = safetensors.NewTensor(name, dtype.U64, shape.Dimensions, slices.Clone(flat))
		})
	default:
		return st, errors.Errorf("variable %q has dtype %s, which has no safetensors mapping here",
			name, shape.DType)
	}
	return st, errors.WithMessagef(err, "failed to convert variable %q", name)
}

func assign(v *context.Variable, st safetensors.Tensor) error {
	name := qualifiedName(v)
	want := v.Shape()
	if !slices.Equal(st.Shape(), want.Dimensions) && !(len(st.Shape()) == 0 && len(want.Dimensions) == 0) {
		return errors.Errorf("tensor %q is shaped %v, variable expects %v",
			name, st.Shape(), want.Dimensions)
	}
	switch data := st.Data().(type) {
	case []float32:
		if want.DType != dtypes.Float32 {
			return dtypeMismatch(name, st, want)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(data, want.Dimensions...))
	case []float64:
		if want.DType != dtypes.Float64 {
			return dtypeMismatch(name, st, want)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(data, want.Dimensions...))
	case []int32:
		if want.DType != dtypes.Int32 {
			return dtypeMismatch(name, st, want)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(data, want.Dimensions...))
	case []int64:
		if want.DType != dtypes.Int64 {
			return dtypeMismatch(name, st, want)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(data, want.Dimensions...))
	case []uint64:
		if want.DType != dtypes.Uint64 {
			return dtypeMismatch(name, st, want)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(data, want.Dimensions...))
	default:
		return errors.Errorf("tensor %q has dtype %s, which has no variable mapping here",
			name, st.DType())
	}
	return nil
}

func dtypeMismatch(name string, st safetensors.Tensor, want shapes.Shape) error {
	return errors.Errorf("tensor %q has dtype %s, variable expects %s", name, st.DType(), want.DType)
}
