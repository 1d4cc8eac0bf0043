package initwfn

import (
	"encoding/json"
	"math"
	"testing"

	"gorgonia.org/tensor"
)

func TestFanInBound(t *testing.T) {
	init, err := NewFanIn()
	if err != nil {
		t.Fatal(err)
	}

	const fanIn = 16
	weights := init.InitWFn()(tensor.Float64, fanIn, 8).([]float64)
	if len(weights) != fanIn*8 {
		t.Fatalf("expected %v weights, got %v", fanIn*8, len(weights))
	}

	bound := 1.0 / math.Sqrt(fanIn)
	for _, w := range weights {
		if w < -bound || w > bound {
			t.Errorf("weight %v outside [-%v, %v]", w, bound, bound)
		}
	}
}

func TestFanInPanicsOnVectorShape(t *testing.T) {
	init, err := NewFanIn()
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for a 1-dimensional shape")
		}
	}()
	init.InitWFn()(tensor.Float64, 8)
}

func TestConstant(t *testing.T) {
	init, err := NewConstant(0.1)
	if err != nil {
		t.Fatal(err)
	}

	values := init.InitWFn()(tensor.Float64, 3).([]float64)
	for _, v := range values {
		if v != 0.1 {
			t.Errorf("expected 0.1, got %v", v)
		}
	}
}

func TestUniformJSONRoundTrip(t *testing.T) {
	init, err := NewUniform(-0.5, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(init)
	if err != nil {
		t.Fatal(err)
	}

	var decoded InitWFn
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != Uniform {
		t.Errorf("expected type %v, got %v", Uniform, decoded.Type)
	}

	weights := decoded.InitWFn()(tensor.Float64, 4, 4).([]float64)
	for _, w := range weights {
		if w < -0.5 || w > 0.5 {
			t.Errorf("weight %v outside [-0.5, 0.5]", w)
		}
	}
}
