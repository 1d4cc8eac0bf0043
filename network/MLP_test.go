package network

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
)

// nodeData returns the backing data of a learnable node's value.
func nodeData(t *testing.T, node *G.Node) []float64 {
	t.Helper()
	data, ok := node.Value().Data().([]float64)
	if !ok {
		t.Fatalf("node %v does not hold float64 data", node.Name())
	}
	return data
}

func TestNewMLPInvalidArguments(t *testing.T) {
	g := G.NewGraph()

	if _, err := NewMLP(3, 0, 2, g, []int{5}, ReLU(), Nil(), 0.1); err == nil {
		t.Error("expected error for non-positive batch size")
	}
	if _, err := NewMLP(3, 1, 0, g, []int{5}, ReLU(), Nil(), 0.1); err == nil {
		t.Error("expected error for non-positive number of outputs")
	}
	if _, err := NewMLP(0, 1, 2, g, []int{5}, ReLU(), Nil(), 0.1); err == nil {
		t.Error("expected error for non-positive number of features")
	}
	if _, err := NewMLP(3, 1, 2, g, []int{0}, ReLU(), Nil(), 0.1); err == nil {
		t.Error("expected error for non-positive hidden layer size")
	}
	if _, err := NewMLP(3, 1, 2, g, []int{5}, ReLU(), Nil(), 0.0); err == nil {
		t.Error("expected error for non-positive initW")
	}
}

func TestOutputShape(t *testing.T) {
	const features, batch, outputs = 3, 2, 4

	g := G.NewGraph()
	net, err := NewMLP(features, batch, outputs, g, []int{5}, ReLU(), Nil(),
		0.1)
	if err != nil {
		t.Fatal(err)
	}

	input := make([]float64, batch*features)
	for i := range input {
		input[i] = float64(i)
	}
	if err := net.SetInput(input); err != nil {
		t.Fatal(err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}

	shape := net.Output().Shape()
	if len(shape) != 2 || shape[0] != batch || shape[1] != outputs {
		t.Errorf("expected output shape (%v, %v), got %v", batch, outputs,
			shape)
	}
}

func TestMultiInputConcatenation(t *testing.T) {
	const batch, outputs = 2, 1

	g := G.NewGraph()
	net, err := NewMultiInputMLP([]int{2, 1}, batch, outputs, g, []int{4},
		ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}

	features := net.Features()
	if len(features) != 2 || features[0] != 2 || features[1] != 1 {
		t.Errorf("expected input features [2 1], got %v", features)
	}

	err = net.SetInput([]float64{1, 2, 3, 4}, []float64{5, 6})
	if err != nil {
		t.Fatal(err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}

	if size := net.Output().Shape().TotalSize(); size != batch*outputs {
		t.Errorf("expected %v output elements, got %v", batch*outputs, size)
	}
}

func TestSetInputInvalidArguments(t *testing.T) {
	g := G.NewGraph()
	net, err := NewMLP(3, 2, 1, g, []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}

	if err := net.SetInput(); err == nil {
		t.Error("expected error for wrong number of inputs")
	}
	if err := net.SetInput(make([]float64, 5)); err == nil {
		t.Error("expected error for wrong number of input elements")
	}
}

func TestWeightInitialization(t *testing.T) {
	const initW = 0.003

	g := G.NewGraph()
	net, err := NewMLP(4, 1, 2, g, []int{6}, ReLU(), Nil(), initW)
	if err != nil {
		t.Fatal(err)
	}

	learnables := net.Learnables()
	if len(learnables) != 4 {
		t.Fatalf("expected 4 learnable nodes, got %v", len(learnables))
	}

	// Hidden layer weights drawn from [-1/√fanIn, 1/√fanIn]
	bound := 1.0 / math.Sqrt(4.0)
	for _, w := range nodeData(t, learnables[0]) {
		if w < -bound || w > bound {
			t.Errorf("hidden weight %v outside [-%v, %v]", w, bound, bound)
		}
	}

	// Hidden layer bias units set to a constant
	for _, b := range nodeData(t, learnables[1]) {
		if b != hiddenBiasInit {
			t.Errorf("expected hidden bias %v, got %v", hiddenBiasInit, b)
		}
	}

	// Final layer weights and bias drawn from [-initW, initW]
	for _, node := range learnables[2:] {
		for _, w := range nodeData(t, node) {
			if w < -initW || w > initW {
				t.Errorf("final layer weight %v outside [-%v, %v]", w, initW,
					initW)
			}
		}
	}
}

func TestSetCopiesWeights(t *testing.T) {
	source, err := NewMLP(3, 1, 2, G.NewGraph(), []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}
	dest, err := NewMLP(3, 1, 2, G.NewGraph(), []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}

	if err := dest.Set(source); err != nil {
		t.Fatal(err)
	}

	sourceLearnables := source.Learnables()
	for i, node := range dest.Learnables() {
		destData := nodeData(t, node)
		sourceData := nodeData(t, sourceLearnables[i])
		for j := range destData {
			if destData[j] != sourceData[j] {
				t.Errorf("learnable %v element %v: expected %v, got %v", i, j,
					sourceData[j], destData[j])
			}
		}
	}
}

func TestPolyakAverage(t *testing.T) {
	source, err := NewMLP(3, 1, 2, G.NewGraph(), []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}
	dest, err := NewMLP(3, 1, 2, G.NewGraph(), []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}

	before := make([][]float64, len(dest.Learnables()))
	for i, node := range dest.Learnables() {
		before[i] = append([]float64{}, nodeData(t, node)...)
	}

	// With tau = 0 the destination is unchanged
	if err := dest.Polyak(source, 0.0); err != nil {
		t.Fatal(err)
	}
	for i, node := range dest.Learnables() {
		for j, w := range nodeData(t, node) {
			if w != before[i][j] {
				t.Errorf("tau = 0 changed learnable %v element %v", i, j)
			}
		}
	}

	// With tau = 1 the destination becomes the source
	if err := dest.Polyak(source, 1.0); err != nil {
		t.Fatal(err)
	}
	sourceLearnables := source.Learnables()
	for i, node := range dest.Learnables() {
		sourceData := nodeData(t, sourceLearnables[i])
		for j, w := range nodeData(t, node) {
			if w != sourceData[j] {
				t.Errorf("tau = 1 learnable %v element %v: expected %v, "+
					"got %v", i, j, sourceData[j], w)
			}
		}
	}
}

func TestCloneWithBatch(t *testing.T) {
	net, err := NewMLP(3, 4, 2, G.NewGraph(), []int{5}, ReLU(), Nil(), 0.1)
	if err != nil {
		t.Fatal(err)
	}

	clone, err := net.CloneWithBatch(1)
	if err != nil {
		t.Fatal(err)
	}

	if clone.BatchSize() != 1 {
		t.Errorf("expected clone batch size 1, got %v", clone.BatchSize())
	}
	if clone.Graph() == net.Graph() {
		t.Error("expected clone to live on a new graph")
	}

	learnables := net.Learnables()
	for i, node := range clone.Learnables() {
		cloneData := nodeData(t, node)
		netData := nodeData(t, learnables[i])
		for j := range cloneData {
			if cloneData[j] != netData[j] {
				t.Errorf("learnable %v element %v: expected %v, got %v", i, j,
					netData[j], cloneData[j])
			}
		}
	}

	if _, err := net.CloneWithBatch(0); err == nil {
		t.Error("expected error for non-positive batch size")
	}
}
