// Package operation defines the closed set of image operations the delegate
// can request from a remote endpoint, and the parameter rules for each one.
package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Operation is a named remote image transformation.
type Operation string

const (
	Sepia  Operation = "sepia"  // Sepia tone; takes no parameters, needs 3+ channels
	Blur   Operation = "blur"   // Gaussian blur; optional odd kernel_size
	Resize Operation = "resize" // Resize to width x height; both required
)

// Parameter keys understood by the built-in operations.
const (
	KeyWidth      = "width"
	KeyHeight     = "height"
	KeyKernelSize = "kernel_size"
	KeySize       = "size" // resize shorthand: [width, height]
)

const (
	// DefaultBlurKernel is used when a blur request carries no kernel_size.
	DefaultBlurKernel = 15
	// MaxDimension bounds resize targets so results stay encodable.
	MaxDimension = 16384
)

var (
	ErrUnsupported      = errors.New("unsupported operation")
	ErrInvalidParameter = errors.New("invalid parameter")
)

var all = []Operation{Sepia, Blur, Resize}

// All returns every recognized operation.
func All() []Operation {
	out := make([]Operation, len(all))
	copy(out, all)
	return out
}

// Parse maps a name (case-insensitive, surrounding space ignored) to an Operation.
//
// Parameters:
//   - name: The operation name, e.g. "blur"
//
// Returns:
//   - The Operation, or an error wrapping ErrUnsupported
func Parse(name string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(name)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, name)
	}

	return op, nil
}

// Valid reports whether o is a recognized operation.
func (o Operation) Valid() bool {
	switch o {
	case Sepia, Blur, Resize:
		return true
	default:
		return false
	}
}

func (o Operation) String() string {
	return string(o)
}

// MinChannels returns the fewest input channels the operation accepts.
func (o Operation) MinChannels() int {
	if o == Sepia {
		return 3
	}

	return 1
}

// Params holds operation parameters. Values are numbers or strings.
type Params map[string]any

// Int reads key as a whole number.
//
// Returns:
//   - The value and true if present and integral; 0 and false otherwise
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}

	n, err := toInt(v)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Normalize validates params for op and returns the parameter set to put on
// the wire. Unknown keys are dropped, blur receives its default kernel size,
// and sepia always gets an empty set.
//
// Parameters:
//   - op: The requested operation
//   - params: Caller-supplied parameters; may be nil
//
// Returns:
//   - The normalized parameters
//   - An error wrapping ErrUnsupported or ErrInvalidParameter
func Normalize(op Operation, params Params) (Params, error) {
	switch op {
	case Sepia:
		return Params{}, nil

	case Blur:
		kernel := DefaultBlurKernel
		if v, ok := params[KeyKernelSize]; ok {
			k, err := positiveInt(KeyKernelSize, v)
			if err != nil {
				return nil, err
			}
			if k%2 == 0 {
				return nil, fmt.Errorf("%w: %s must be odd, got %d", ErrInvalidParameter, KeyKernelSize, k)
			}
			kernel = k
		}
		return Params{KeyKernelSize: kernel}, nil

	case Resize:
		dims, err := expandSize(params)
		if err != nil {
			return nil, err
		}

		out := Params{}
		for _, key := range []string{KeyWidth, KeyHeight} {
			v, ok := dims[key]
			if !ok {
				return nil, fmt.Errorf("%w: resize requires %s", ErrInvalidParameter, key)
			}
			n, err := positiveInt(key, v)
			if err != nil {
				return nil, err
			}
			if n > MaxDimension {
				return nil, fmt.Errorf("%w: %s %d exceeds %d", ErrInvalidParameter, key, n, MaxDimension)
			}
			out[key] = n
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, string(op))
	}
}

// expandSize turns a "size" pair into width and height when neither is given.
func expandSize(params Params) (Params, error) {
	v, ok := params[KeySize]
	if !ok {
		return params, nil
	}

	_, hasW := params[KeyWidth]
	_, hasH := params[KeyHeight]
	if hasW || hasH {
		return nil, fmt.Errorf("%w: %s cannot be combined with %s or %s", ErrInvalidParameter, KeySize, KeyWidth, KeyHeight)
	}

	var pair []any
	switch s := v.(type) {
	case []any:
		pair = s
	case []int:
		for _, n := range s {
			pair = append(pair, n)
		}
	default:
		return nil, fmt.Errorf("%w: %s must be [width, height], got %T", ErrInvalidParameter, KeySize, v)
	}

	if len(pair) != 2 {
		return nil, fmt.Errorf("%w: %s must have 2 elements, got %d", ErrInvalidParameter, KeySize, len(pair))
	}

	return Params{KeyWidth: pair[0], KeyHeight: pair[1]}, nil
}

// Shape describes raster dimensions.
type Shape struct {
	Width    int
	Height   int
	Channels int
}

// ExpectedShape returns the shape a correct result of op has for an input of
// shape in. params must come from Normalize.
func ExpectedShape(op Operation, params Params, in Shape) Shape {
	if op == Resize {
		w, _ := params.Int(KeyWidth)
		h, _ := params.Int(KeyHeight)
		return Shape{Width: w, Height: h, Channels: in.Channels}
	}

	return in
}

func positiveInt(key string, v any) (int, error) {
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, key, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidParameter, key, n)
	}

	return n, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	case uint:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", n.String())
		}
		return toInt(i)
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}

	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("value %v out of range", f)
	}

	return int(f), nil
}
