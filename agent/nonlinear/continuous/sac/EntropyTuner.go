package sac

import (
	"fmt"
	"math"

	"github.com/samuelfneumann/gosac/solver"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// entropyTuner adjusts the entropy scale α of a maximum entropy
// agent by gradient descent on log(α). The tuner holds its own
// computational graph with a single learnable, log(α), and the loss
//
//	L = -mean(log(α) * (log π + H))
//
// where H is the target entropy and the log probabilities log π are
// treated as constants. Gradient steps on this loss increase α when
// the policy's entropy is below the target and decrease it otherwise.
type entropyTuner struct {
	logAlpha *G.Node
	logPi    *G.Node
	model    []G.ValueGrad

	vm     G.VM
	solver G.Solver

	lossVal G.Value

	targetEntropy float64
	batchSize     int
}

// newEntropyTuner returns a new entropyTuner which adjusts α toward
// the argument target entropy using gradient steps computed from
// batches of batchSize log probabilities. The value of α is
// initialized to 1.
func newEntropyTuner(batchSize int, targetEntropy float64,
	sol *solver.Solver) (*entropyTuner, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("newentropytuner: batch size must be "+
			"positive \n\thave(%v)", batchSize)
	}
	if sol == nil {
		return nil, fmt.Errorf("newentropytuner: no solver given")
	}

	g := G.NewGraph()
	logAlpha := G.NewVector(g, tensor.Float64, G.WithShape(1),
		G.WithName("logAlpha"), G.WithInit(G.Zeroes()))
	logPi := G.NewVector(g, tensor.Float64, G.WithShape(batchSize),
		G.WithName("logPi"), G.WithInit(G.Zeroes()))

	target := G.NewConstant(targetEntropy)
	loss := G.Must(G.Add(logPi, target))
	loss = G.Must(G.BroadcastHadamardProd(logAlpha, loss, []byte{0}, nil))
	loss = G.Must(G.Mean(loss))
	loss = G.Must(G.Neg(loss))

	tuner := &entropyTuner{
		logAlpha: logAlpha,
		logPi:    logPi,
		model:    []G.ValueGrad{logAlpha},

		solver: sol,

		targetEntropy: targetEntropy,
		batchSize:     batchSize,
	}
	G.Read(loss, &tuner.lossVal)

	_, err := G.Grad(loss, logAlpha)
	if err != nil {
		return nil, fmt.Errorf("newentropytuner: could not compute "+
			"gradient: %v", err)
	}
	tuner.vm = G.NewTapeMachine(g, G.BindDualValues(logAlpha))

	return tuner, nil
}

// Step updates α using the log probabilities of the actions the
// policy selected for the most recent batch of states.
func (e *entropyTuner) Step(logPi []float64) error {
	if len(logPi) != e.batchSize {
		return fmt.Errorf("step: invalid number of log probabilities "+
			"\n\twant(%v) \n\thave(%v)", e.batchSize, len(logPi))
	}

	logPiTensor := tensor.New(
		tensor.WithBacking(logPi),
		tensor.WithShape(e.batchSize),
	)
	if err := G.Let(e.logPi, logPiTensor); err != nil {
		return fmt.Errorf("step: could not set log probabilities: %v", err)
	}

	if err := e.vm.RunAll(); err != nil {
		return fmt.Errorf("step: could not run VM: %v", err)
	}
	defer e.vm.Reset()

	if err := e.solver.Step(e.model); err != nil {
		return fmt.Errorf("step: could not step solver: %v", err)
	}
	return nil
}

// Alpha returns the current value of the entropy scale α
func (e *entropyTuner) Alpha() float64 {
	return math.Exp(e.logAlpha.Value().Data().([]float64)[0])
}
