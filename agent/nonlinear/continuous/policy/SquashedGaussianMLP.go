// Package policy implements policies for agents using neural network
// function approximation
package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/network"
	"github.com/samuelfneumann/gosac/timestep"
	"github.com/samuelfneumann/gosac/utils/floatutils"
	"github.com/samuelfneumann/gosac/utils/tensorutils"
)

// Bounds on the log standard deviation predicted by the policy
// network. Predictions are clamped to this range before
// exponentiating so that the standard deviation stays finite and
// positive.
const (
	MinLogStd float64 = -20.0
	MaxLogStd float64 = 2.0
)

// actionEps offsets the squashing correction log(1 - action² + ε)
// away from log(0) when an action saturates the tanh.
const actionEps float64 = 1e-6

// SquashedGaussianMLP implements a Gaussian policy squashed through a
// tanh so that all actions lie in (-1, 1). The policy is parameterized
// by an MLP which, given a state, predicts the mean and log standard
// deviation of a Gaussian distribution over unsquashed actions.
//
// Actions are selected with the reparameterization trick. Noise
// ɛ ~ N(0, 1) is sampled externally and fed to the computational
// graph, which computes action := tanh(μ + σ * ɛ). Because the noise
// is an input to the graph, gradients flow through the action
// selection into the network weights, and the log probability of the
// selected actions is available as a node of the graph with the
// change-of-variables correction for the tanh applied.
//
// The standard deviation may instead be fixed to a constant, in which
// case the MLP predicts only the mean.
type SquashedGaussianMLP struct {
	net network.NeuralNet
	vm  G.VM // Non-nil only when the batch size is 1

	mean       *G.Node
	stddev     *G.Node
	noise      *G.Node
	actions    *G.Node
	sumLogProb *G.Node

	meanVal       G.Value
	actionsVal    G.Value
	sumLogProbVal G.Value

	normal     distmv.Rander
	actionDims int
	features   int
	batchSize  int

	// Data needed for cloning
	hiddenSizes []int
	initW       float64
	fixedStd    float64 // <= 0 when the standard deviation is learned
	seed        uint64

	eval bool
}

// NewSquashedGaussianMLP returns a new SquashedGaussianMLP which
// selects actions in the argument environment. The policy network is
// an MLP with hidden layers of sizes hiddenSizes and ReLU activations,
// and predicts both the mean and log standard deviation of the
// Gaussian. The final layer of the network is initialized uniformly
// from [-initW, initW], and the seed parameter seeds the policy's
// noise sampler.
//
// The policy can select actions with SelectAction() only when
// batch = 1. When batch > 1, it is assumed that the weights of the
// policy will be learned, and the caller adds a loss to the policy's
// computational graph using the nodes exposed by Actions() and
// SumLogProb().
func NewSquashedGaussianMLP(env environment.Environment, batch int,
	g *G.ExprGraph, hiddenSizes []int, initW float64,
	seed uint64) (*SquashedGaussianMLP, error) {
	if env.ActionSpec().Cardinality != environment.Continuous {
		return nil, fmt.Errorf("newsquashedgaussianmlp: actions must be " +
			"continuous")
	}

	features := env.ObservationSpec().Shape.Len()
	actionDims := env.ActionSpec().Shape.Len()

	return newSquashedGaussianMLP(features, actionDims, batch, g,
		hiddenSizes, initW, 0.0, seed)
}

// NewFixedStdSquashedGaussianMLP returns a new SquashedGaussianMLP
// whose standard deviation is fixed to std in every state. The policy
// network predicts only the mean of the Gaussian. An error is
// returned if log(std) lies outside [MinLogStd, MaxLogStd].
func NewFixedStdSquashedGaussianMLP(env environment.Environment, batch int,
	g *G.ExprGraph, hiddenSizes []int, initW, std float64,
	seed uint64) (*SquashedGaussianMLP, error) {
	if env.ActionSpec().Cardinality != environment.Continuous {
		return nil, fmt.Errorf("newfixedstdsquashedgaussianmlp: actions " +
			"must be continuous")
	}
	if std <= 0 {
		return nil, fmt.Errorf("newfixedstdsquashedgaussianmlp: standard "+
			"deviation must be positive \n\thave(%v)", std)
	}
	if logStd := math.Log(std); logStd < MinLogStd || logStd > MaxLogStd {
		return nil, fmt.Errorf("newfixedstdsquashedgaussianmlp: log "+
			"standard deviation must be in [%v, %v] \n\thave(%v)", MinLogStd,
			MaxLogStd, logStd)
	}

	features := env.ObservationSpec().Shape.Len()
	actionDims := env.ActionSpec().Shape.Len()

	return newSquashedGaussianMLP(features, actionDims, batch, g,
		hiddenSizes, initW, std, seed)
}

// newSquashedGaussianMLP constructs the policy from raw dimensions.
// A fixedStd <= 0 denotes that the standard deviation is learned.
func newSquashedGaussianMLP(features, actionDims, batch int, g *G.ExprGraph,
	hiddenSizes []int, initW, fixedStd float64,
	seed uint64) (*SquashedGaussianMLP, error) {
	outputs := 2 * actionDims
	if fixedStd > 0 {
		outputs = actionDims
	}

	net, err := network.NewMLP(features, batch, outputs, g, hiddenSizes,
		network.ReLU(), network.Nil(), initW)
	if err != nil {
		return nil, fmt.Errorf("newsquashedgaussianmlp: could not create "+
			"network: %v", err)
	}

	// Split the network prediction into the mean and log standard
	// deviation of the Gaussian
	pred := net.Prediction()
	var mean, logStd, stddev *G.Node
	if fixedStd > 0 {
		mean = pred
		logStd = G.NewConstant(math.Log(fixedStd), G.WithName("logStd"))
		stddev = G.NewConstant(fixedStd, G.WithName("stddev"))
	} else {
		mean = G.Must(G.Slice(pred, nil,
			tensorutils.NewSlice(0, actionDims, 1)))
		logStd = G.Must(G.Slice(pred, nil,
			tensorutils.NewSlice(actionDims, 2*actionDims, 1)))
		logStd = clamp(logStd, MinLogStd, MaxLogStd)
		stddev = G.Must(G.Exp(logStd))
	}

	// Reparameterization trick: action := tanh(μ + σ * ɛ), where the
	// noise ɛ ~ N(0, 1) is an input to the graph
	noise := newInputNode(g, mean.Shape(), "noise")
	var unsquashed *G.Node
	if fixedStd > 0 {
		unsquashed = G.Must(G.Mul(stddev, noise))
	} else {
		unsquashed = G.Must(G.HadamardProd(stddev, noise))
	}
	unsquashed = G.Must(G.Add(mean, unsquashed))
	actions := G.Must(G.Tanh(unsquashed))

	// Per-dimension Gaussian log density of the unsquashed action.
	// Since the unsquashed action is μ + σ * ɛ, the density can be
	// written in terms of the noise alone:
	//	log N(u; μ, σ) = -½ɛ² - log(σ) - ½log(2π)
	negHalf := G.NewConstant(-0.5)
	halfLog2Pi := G.NewConstant(0.5 * math.Log(2*math.Pi))
	logProb := G.Must(G.Square(noise))
	logProb = G.Must(G.HadamardProd(negHalf, logProb))
	logProb = G.Must(G.Sub(logProb, logStd))
	logProb = G.Must(G.Sub(logProb, halfLog2Pi))

	// Change-of-variables correction for the tanh squashing:
	//	log π(a) = log N(u; μ, σ) - log(1 - a² + ε)
	squashBound := G.NewConstant(1.0 + actionEps)
	correction := G.Must(G.Square(actions))
	correction = G.Must(G.Sub(squashBound, correction))
	correction = G.Must(G.Log(correction))
	logProb = G.Must(G.Sub(logProb, correction))

	// Sum the per-dimension log probabilities for each sample in the
	// batch
	sumLogProb := logProb
	if len(logProb.Shape()) > 1 {
		sumLogProb = G.Must(G.Sum(logProb, 1))
	}

	// Create standard normal for noise sampling
	means := make([]float64, actionDims)
	stds := mat.NewDiagDense(actionDims, floatutils.Ones(actionDims))
	source := rand.NewSource(seed)
	normal, ok := distmv.NewNormal(means, stds, source)
	if !ok {
		return nil, fmt.Errorf("newsquashedgaussianmlp: could not create " +
			"standard normal for noise sampling")
	}

	pol := &SquashedGaussianMLP{
		net: net,

		mean:       mean,
		stddev:     stddev,
		noise:      noise,
		actions:    actions,
		sumLogProb: sumLogProb,

		normal:     normal,
		actionDims: actionDims,
		features:   features,
		batchSize:  batch,

		hiddenSizes: hiddenSizes,
		initW:       initW,
		fixedStd:    fixedStd,
		seed:        seed,
	}

	// Record values of Gorgonia nodes
	G.Read(pol.mean, &pol.meanVal)
	G.Read(pol.actions, &pol.actionsVal)
	G.Read(pol.sumLogProb, &pol.sumLogProbVal)

	// Policy can select actions at each timestep only if using a batch
	// size of 1
	if batch == 1 {
		pol.vm = G.NewTapeMachine(g)
	}

	return pol, nil
}

// clamp adds nodes to the computational graph of x which clamp the
// value of x to [lower, upper] elementwise, and returns the node
// holding the clamped value. The clamp is expressed with rectifiers:
//	max(x, lower) = lower + relu(x - lower)
//	min(y, upper) = upper - relu(upper - y)
func clamp(x *G.Node, lower, upper float64) *G.Node {
	lowerN := G.NewConstant(lower)
	upperN := G.NewConstant(upper)

	y := G.Must(G.Sub(x, lowerN))
	y = G.Must(G.Rectify(y))
	y = G.Must(G.Add(y, lowerN))

	y = G.Must(G.Sub(upperN, y))
	y = G.Must(G.Rectify(y))
	y = G.Must(G.Sub(upperN, y))

	return y
}

// newInputNode returns a new zero-valued input node on g with the
// argument shape
func newInputNode(g *G.ExprGraph, shape tensor.Shape, name string) *G.Node {
	switch len(shape) {
	case 0:
		return G.NewScalar(g, tensor.Float64, G.WithName(name),
			G.WithValue(0.0))
	case 1:
		return G.NewVector(g, tensor.Float64, G.WithShape(shape...),
			G.WithName(name), G.WithInit(G.Zeroes()))
	default:
		return G.NewMatrix(g, tensor.Float64, G.WithShape(shape...),
			G.WithName(name), G.WithInit(G.Zeroes()))
	}
}

// SelectAction selects and returns an action at the argument timestep
// t. Actions are bounded in (-1, 1). In evaluation mode, the action is
// the squashed mean of the policy. In training mode, the action is
// sampled using the reparameterization trick.
func (c *SquashedGaussianMLP) SelectAction(t timestep.TimeStep) *mat.VecDense {
	if size := c.Network().BatchSize(); size != 1 {
		panic(fmt.Sprintf("selectaction: action selection can only be done "+
			"with a policy with batch size 1 \n\twant(1) \n\thave(%v)", size))
	}

	obs := mat.VecDenseCopyOf(t.Observation).RawVector().Data
	if err := c.Network().SetInput(obs); err != nil {
		panic(fmt.Sprintf("selectaction: cannot set input: %v", err))
	}

	noise := make([]float64, c.actionDims)
	if !c.IsEval() {
		noise = c.normal.Rand(nil)
	}
	if err := c.SetNoise(noise); err != nil {
		panic(fmt.Sprintf("selectaction: cannot set noise: %v", err))
	}

	if err := c.vm.RunAll(); err != nil {
		panic(fmt.Sprintf("selectaction: could not run policy VM: %v", err))
	}
	defer c.vm.Reset()

	switch data := c.actionsVal.Data().(type) {
	case float64:
		return mat.NewVecDense(1, []float64{data})
	case []float64:
		action := make([]float64, c.actionDims)
		copy(action, data)
		return mat.NewVecDense(c.actionDims, action)
	default:
		panic(fmt.Sprintf("selectaction: unexpected action type %T", data))
	}
}

// SampleNoise samples and returns noise for each action dimension of
// each sample in the batch, drawn from a standard normal.
func (c *SquashedGaussianMLP) SampleNoise() []float64 {
	noise := make([]float64, 0, c.batchSize*c.actionDims)
	for i := 0; i < c.batchSize; i++ {
		noise = append(noise, c.normal.Rand(nil)...)
	}
	return noise
}

// SetNoise sets the value of the policy's noise input node, which is
// used to compute actions with the reparameterization trick. The
// argument must have one element per action dimension per sample in
// the batch.
func (c *SquashedGaussianMLP) SetNoise(noise []float64) error {
	if len(noise) != c.batchSize*c.actionDims {
		return fmt.Errorf("setnoise: invalid number of noise elements "+
			"\n\twant(%v) \n\thave(%v)", c.batchSize*c.actionDims, len(noise))
	}

	if c.noise.IsScalar() {
		return G.Let(c.noise, noise[0])
	}
	noiseTensor := tensor.New(
		tensor.WithBacking(noise),
		tensor.WithShape(c.noise.Shape()...),
	)
	return G.Let(c.noise, noiseTensor)
}

// SetObservations sets the value of the policy network's state input
// node. Observations should be constructed in row major order.
func (c *SquashedGaussianMLP) SetObservations(obs []float64) error {
	return c.net.SetInput(obs)
}

// Actions returns the node of the computational graph holding the
// actions selected by the policy
func (c *SquashedGaussianMLP) Actions() *G.Node {
	return c.actions
}

// ActionsVal returns the value of the node returned by Actions()
func (c *SquashedGaussianMLP) ActionsVal() G.Value {
	return c.actionsVal
}

// SumLogProb returns the node of the computational graph holding the
// log probability of the actions selected by the policy, summed over
// action dimensions
func (c *SquashedGaussianMLP) SumLogProb() *G.Node {
	return c.sumLogProb
}

// SumLogProbVal returns the value of the node returned by SumLogProb()
func (c *SquashedGaussianMLP) SumLogProbVal() G.Value {
	return c.sumLogProbVal
}

// Mean returns the node of the computational graph holding the mean
// of the Gaussian before squashing
func (c *SquashedGaussianMLP) Mean() *G.Node {
	return c.mean
}

// Network returns the network of the SquashedGaussianMLP
func (c *SquashedGaussianMLP) Network() network.NeuralNet {
	return c.net
}

// ActionDims returns the number of action dimensions of the policy
func (c *SquashedGaussianMLP) ActionDims() int {
	return c.actionDims
}

// BatchSize returns the batch size of inputs to the policy
func (c *SquashedGaussianMLP) BatchSize() int {
	return c.batchSize
}

// CloneWithBatch clones a SquashedGaussianMLP with a new batch size.
// The clone is constructed on a new computational graph and holds the
// current weights of the cloned policy.
func (c *SquashedGaussianMLP) CloneWithBatch(
	batch int) (*SquashedGaussianMLP, error) {
	pol, err := newSquashedGaussianMLP(c.features, c.actionDims, batch,
		G.NewGraph(), c.hiddenSizes, c.initW, c.fixedStd, c.seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}

	if err := pol.Network().Set(c.net); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not set weights: %v",
			err)
	}
	return pol, nil
}

// Eval sets the policy to evaluation mode
func (c *SquashedGaussianMLP) Eval() {
	c.eval = true
}

// Train sets the policy to training mode
func (c *SquashedGaussianMLP) Train() {
	c.eval = false
}

// IsEval returns whether the policy is in evaluation mode
func (c *SquashedGaussianMLP) IsEval() bool {
	return c.eval
}
