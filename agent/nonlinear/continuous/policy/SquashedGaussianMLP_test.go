package policy

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/environment/classiccontrol/pendulum"
	"github.com/samuelfneumann/gosac/timestep"
)

// newPendulum returns a new swing-up pendulum environment for
// constructing policies against.
func newPendulum(seed uint64) environment.Environment {
	bounds := []r1.Interval{
		{Min: -pendulum.AngleBound, Max: pendulum.AngleBound},
		{Min: -1.0, Max: 1.0},
	}
	s := environment.NewUniformStarter(bounds, seed)
	task := pendulum.NewSwingUp(s, 100)
	env, _ := pendulum.NewContinuous(task, 0.99)
	return env
}

func step(angle, speed float64) timestep.TimeStep {
	obs := mat.NewVecDense(2, []float64{angle, speed})
	return timestep.New(timestep.First, 0, 1.0, obs, 0)
}

func TestSelectActionBounded(t *testing.T) {
	env := newPendulum(12)
	pol, err := NewSquashedGaussianMLP(env, 1, G.NewGraph(), []int{10},
		0.5, 12)
	if err != nil {
		t.Fatal(err)
	}
	pol.Train()

	for i := 0; i < 100; i++ {
		angle := float64(i%7) - 3.0
		speed := float64(i%5) - 2.0
		action := pol.SelectAction(step(angle, speed))

		if action.Len() != pol.ActionDims() {
			t.Fatalf("expected %v action dimensions, got %v",
				pol.ActionDims(), action.Len())
		}
		for j := 0; j < action.Len(); j++ {
			if a := action.AtVec(j); a <= -1.0 || a >= 1.0 {
				t.Errorf("action %v outside (-1, 1)", a)
			}
		}
	}
}

func TestSelectActionEvalDeterministic(t *testing.T) {
	env := newPendulum(12)
	pol, err := NewSquashedGaussianMLP(env, 1, G.NewGraph(), []int{10},
		0.5, 12)
	if err != nil {
		t.Fatal(err)
	}
	pol.Eval()

	if !pol.IsEval() {
		t.Fatal("expected policy to be in evaluation mode")
	}

	first := pol.SelectAction(step(0.5, -0.25))
	second := pol.SelectAction(step(0.5, -0.25))
	for i := 0; i < first.Len(); i++ {
		if first.AtVec(i) != second.AtVec(i) {
			t.Errorf("evaluation mode actions differ: %v != %v",
				first.AtVec(i), second.AtVec(i))
		}
	}
}

func TestFixedStdInvalidArguments(t *testing.T) {
	env := newPendulum(12)

	_, err := NewFixedStdSquashedGaussianMLP(env, 1, G.NewGraph(), []int{10},
		0.5, 0.0, 12)
	if err == nil {
		t.Error("expected error for non-positive standard deviation")
	}

	// log(20) exceeds the maximum log standard deviation
	_, err = NewFixedStdSquashedGaussianMLP(env, 1, G.NewGraph(), []int{10},
		0.5, 20.0, 12)
	if err == nil {
		t.Error("expected error for out-of-range standard deviation")
	}
}

func TestSetNoiseInvalidArguments(t *testing.T) {
	env := newPendulum(12)
	pol, err := NewSquashedGaussianMLP(env, 4, G.NewGraph(), []int{10},
		0.5, 12)
	if err != nil {
		t.Fatal(err)
	}

	if err := pol.SetNoise(make([]float64, 3)); err == nil {
		t.Error("expected error for wrong number of noise elements")
	}
	if err := pol.SetNoise(pol.SampleNoise()); err != nil {
		t.Errorf("expected sampled noise to be accepted: %v", err)
	}
}

func TestBatchLogProb(t *testing.T) {
	const batch = 4

	env := newPendulum(12)
	g := G.NewGraph()
	pol, err := NewSquashedGaussianMLP(env, batch, g, []int{10}, 0.5, 12)
	if err != nil {
		t.Fatal(err)
	}

	obs := []float64{
		0.1, 0.0,
		-0.5, 1.0,
		2.0, -2.0,
		3.0, 0.5,
	}
	if err := pol.SetObservations(obs); err != nil {
		t.Fatal(err)
	}
	if err := pol.SetNoise(pol.SampleNoise()); err != nil {
		t.Fatal(err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}

	logProbs, ok := pol.SumLogProbVal().Data().([]float64)
	if !ok {
		t.Fatalf("unexpected log probability type %T",
			pol.SumLogProbVal().Data())
	}
	if len(logProbs) != batch {
		t.Fatalf("expected %v log probabilities, got %v", batch,
			len(logProbs))
	}
	for _, logProb := range logProbs {
		if math.IsNaN(logProb) || math.IsInf(logProb, 0) {
			t.Errorf("log probability %v is not finite", logProb)
		}
	}

	actions, ok := pol.ActionsVal().Data().([]float64)
	if !ok {
		t.Fatalf("unexpected action type %T", pol.ActionsVal().Data())
	}
	for _, a := range actions {
		if a <= -1.0 || a >= 1.0 {
			t.Errorf("action %v outside (-1, 1)", a)
		}
	}
}

func TestCloneWithBatchCopiesWeights(t *testing.T) {
	env := newPendulum(12)
	pol, err := NewSquashedGaussianMLP(env, 8, G.NewGraph(), []int{10},
		0.5, 12)
	if err != nil {
		t.Fatal(err)
	}

	clone, err := pol.CloneWithBatch(1)
	if err != nil {
		t.Fatal(err)
	}
	if clone.BatchSize() != 1 {
		t.Errorf("expected clone batch size 1, got %v", clone.BatchSize())
	}

	learnables := pol.Network().Learnables()
	for i, node := range clone.Network().Learnables() {
		cloneData := node.Value().Data().([]float64)
		polData := learnables[i].Value().Data().([]float64)
		for j := range cloneData {
			if cloneData[j] != polData[j] {
				t.Errorf("learnable %v element %v: expected %v, got %v", i,
					j, polData[j], cloneData[j])
			}
		}
	}
}
