package initwfn

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// FanInConfig implements a configuration of a weight initializer that
// draws weights uniformly from [-1/√fanIn, 1/√fanIn], where fanIn is
// the number of inputs to the layer being initialized.
type FanInConfig struct{}

// NewFanIn returns a new fan-in scaled uniform weight initializer
func NewFanIn() (*InitWFn, error) {
	config := FanInConfig{}

	return newInitWFn(config)
}

// Type returns the type of the weight initializer created using this
// config
func (f FanInConfig) Type() Type {
	return FanIn
}

// Create returns the weight initialization algorithm as a Gorgonia
// InitWFn. The fan-in of a weight tensor is the size of its first
// dimension, so the returned InitWFn panics when initializing a tensor
// with fewer than 2 dimensions, for which fan-in is undefined.
func (f FanInConfig) Create() G.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		if len(s) < 2 {
			panic(fmt.Sprintf("create: fan-in initialization undefined "+
				"for tensors with fewer than 2 dimensions, got shape %v", s))
		}
		bound := 1.0 / math.Sqrt(float64(s[0]))
		return G.Uniform(-bound, bound)(dt, s...)
	}
}
