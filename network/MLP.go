package network

import (
	"fmt"

	"github.com/samuelfneumann/gosac/initwfn"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// mlp implements a multi-layered perceptron which may have multiple
// input nodes. When multiple input nodes exist, they are concatenated
// along the feature (column) dimension before the first layer, so
// that, e.g., an action-value function can take both a state and an
// action as input.
//
// Hidden layer weights are initialized uniformly from
// [-1/√fanIn, 1/√fanIn] and hidden layer biases are initialized to a
// constant. The final layer weights and bias are initialized uniformly
// from [-initW, initW].
type mlp struct {
	g          *G.ExprGraph
	layers     []Layer
	inputs     []*G.Node
	numOutputs int
	numInputs  []int
	batchSize  int

	// Data needed for cloning
	hiddenSizes []int
	hiddenAct   *Activation
	outputAct   *Activation
	initW       float64

	learnables G.Nodes
	model      []G.ValueGrad

	prediction *G.Node
	predVal    G.Value
}

// NewMLP creates and returns a new multi-layered perceptron with a
// single input of size features. The graph parameter g is populated
// with the MLP.
//
// The MLP has number of layers equal to len(hiddenSizes) + 1. A final
// layer of size outputs is always added with activation outputAct and
// with weights and bias initialized uniformly from [-initW, initW].
// Hidden layer i has hiddenSizes[i] units with activation hiddenAct,
// weights initialized uniformly from [-1/√fanIn, 1/√fanIn], and bias
// units initialized to 0.1.
func NewMLP(features, batch, outputs int, g *G.ExprGraph,
	hiddenSizes []int, hiddenAct, outputAct *Activation,
	initW float64) (NeuralNet, error) {
	return NewMultiInputMLP([]int{features}, batch, outputs, g, hiddenSizes,
		hiddenAct, outputAct, initW)
}

// NewMultiInputMLP creates and returns a new multi-layered perceptron
// with one input node per element of features, where features[i] is
// the number of features in input i. The input nodes are concatenated
// along the feature dimension before the first layer. In all other
// respects, the network is constructed as in NewMLP.
func NewMultiInputMLP(features []int, batch, outputs int, g *G.ExprGraph,
	hiddenSizes []int, hiddenAct, outputAct *Activation,
	initW float64) (NeuralNet, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("newmultiinputmlp: batch size must be "+
			"positive \n\thave(%v)", batch)
	}
	if outputs <= 0 {
		return nil, fmt.Errorf("newmultiinputmlp: number of outputs must "+
			"be positive \n\thave(%v)", outputs)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("newmultiinputmlp: must have at least one " +
			"input")
	}
	for i, feature := range features {
		if feature <= 0 {
			return nil, fmt.Errorf("newmultiinputmlp: input %v must have a "+
				"positive number of features \n\thave(%v)", i, feature)
		}
	}
	for i, size := range hiddenSizes {
		if size <= 0 {
			return nil, fmt.Errorf("newmultiinputmlp: hidden layer %v must "+
				"have a positive number of units \n\thave(%v)", i, size)
		}
	}
	if initW <= 0 {
		return nil, fmt.Errorf("newmultiinputmlp: initW must be positive "+
			"\n\thave(%v)", initW)
	}

	// Set up the input nodes
	inputs := make([]*G.Node, len(features))
	for i, feature := range features {
		inputs[i] = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, feature),
			G.WithName(fmt.Sprintf("input%d", i)),
			G.WithInit(G.Zeroes()),
		)
	}

	totalFeatures := 0
	for _, feature := range features {
		totalFeatures += feature
	}

	layers, err := addLayers(g, totalFeatures, outputs, hiddenSizes,
		hiddenAct, outputAct, initW)
	if err != nil {
		return nil, fmt.Errorf("newmultiinputmlp: could not construct "+
			"layers: %v", err)
	}

	// Create the network and run the forward pass on the input nodes
	network := mlp{
		g:           g,
		layers:      layers,
		inputs:      inputs,
		numOutputs:  outputs,
		numInputs:   features,
		batchSize:   batch,
		hiddenSizes: hiddenSizes,
		hiddenAct:   hiddenAct,
		outputAct:   outputAct,
		initW:       initW,
	}
	_, err = network.fwd(inputs)
	if err != nil {
		msg := "newmultiinputmlp: could not compute forward pass: %v"
		return &mlp{}, fmt.Errorf(msg, err)
	}

	return &network, nil
}

// addLayers constructs the fully connected layers of an MLP on graph
// g, following the initialization scheme described in NewMLP.
func addLayers(g *G.ExprGraph, features, outputs int, hiddenSizes []int,
	hiddenAct, outputAct *Activation, initW float64) ([]Layer, error) {
	weightInit, err := initwfn.NewFanIn()
	if err != nil {
		return nil, err
	}
	biasInit, err := initwfn.NewConstant(hiddenBiasInit)
	if err != nil {
		return nil, err
	}
	finalInit, err := initwfn.NewUniform(-initW, initW)
	if err != nil {
		return nil, err
	}

	layers := make([]Layer, 0, len(hiddenSizes)+1)
	lastSize := features
	for i, size := range hiddenSizes {
		weights := G.NewMatrix(g, tensor.Float64,
			G.WithShape(lastSize, size),
			G.WithName(fmt.Sprintf("Layer%dWeights", i)),
			G.WithInit(weightInit.InitWFn()),
		)
		bias := G.NewVector(g, tensor.Float64,
			G.WithShape(size),
			G.WithName(fmt.Sprintf("Layer%dBias", i)),
			G.WithInit(biasInit.InitWFn()),
		)
		layers = append(layers, &fcLayer{
			weights: weights,
			bias:    bias,
			act:     hiddenAct,
		})
		lastSize = size
	}

	// Final layer
	weights := G.NewMatrix(g, tensor.Float64,
		G.WithShape(lastSize, outputs),
		G.WithName("OutputWeights"),
		G.WithInit(finalInit.InitWFn()),
	)
	bias := G.NewVector(g, tensor.Float64,
		G.WithShape(outputs),
		G.WithName("OutputBias"),
		G.WithInit(finalInit.InitWFn()),
	)
	layers = append(layers, &fcLayer{
		weights: weights,
		bias:    bias,
		act:     outputAct,
	})

	return layers, nil
}

// hiddenBiasInit is the constant initial value of hidden layer bias
// units.
const hiddenBiasInit float64 = 0.1

// Graph returns the computational graph of the mlp.
func (e *mlp) Graph() *G.ExprGraph {
	return e.g
}

// Clone clones an mlp
func (e *mlp) Clone() (NeuralNet, error) {
	return e.CloneWithBatch(e.batchSize)
}

// CloneWithBatch clones an mlp with a new input batch size. The clone
// is constructed on a new computational graph and holds the current
// parameter values of the cloned network.
func (e *mlp) CloneWithBatch(batchSize int) (NeuralNet, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("clonewithbatch: batch size must be "+
			"positive \n\thave(%v)", batchSize)
	}
	graph := G.NewGraph()

	// Create the input nodes
	inputs := make([]*G.Node, len(e.inputs))
	for i, feature := range e.numInputs {
		inputs[i] = G.NewMatrix(graph, tensor.Float64,
			G.WithShape(batchSize, feature),
			G.WithName(fmt.Sprintf("input%d", i)),
			G.WithInit(G.Zeroes()),
		)
	}

	// Copy fully connected layers
	layers := make([]Layer, len(e.layers))
	for i := range e.layers {
		layers[i] = e.layers[i].CloneTo(graph)
	}

	network := mlp{
		g:           graph,
		layers:      layers,
		inputs:      inputs,
		numOutputs:  e.numOutputs,
		numInputs:   e.numInputs,
		batchSize:   batchSize,
		hiddenSizes: e.hiddenSizes,
		hiddenAct:   e.hiddenAct,
		outputAct:   e.outputAct,
		initW:       e.initW,
	}
	_, err := network.fwd(inputs)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not compute forward "+
			"pass: %v", err)
	}

	return &network, nil
}

// BatchSize returns the batch size of inputs to the network
func (e *mlp) BatchSize() int {
	return e.batchSize
}

// Features returns the number of features in each input to the
// network, one element per input node.
func (e *mlp) Features() []int {
	features := make([]int, len(e.numInputs))
	copy(features, e.numInputs)
	return features
}

// Outputs returns the number of outputs from the network
func (e *mlp) Outputs() int {
	return e.numOutputs
}

// SetInput sets the values of the input nodes before running the
// forward pass. One slice of values must be given per input node, in
// the order the inputs were created, and each slice must have
// batchSize * features elements for its input.
func (e *mlp) SetInput(inputs ...[]float64) error {
	if len(inputs) != len(e.inputs) {
		return fmt.Errorf("setinput: invalid number of inputs \n\twant(%v)"+
			"\n\thave(%v)", len(e.inputs), len(inputs))
	}
	for i, input := range inputs {
		if len(input) != e.numInputs[i]*e.batchSize {
			return fmt.Errorf("setinput: invalid number of elements for "+
				"input %v \n\twant(%v) \n\thave(%v)", i,
				e.numInputs[i]*e.batchSize, len(input))
		}
		inputTensor := tensor.New(
			tensor.WithBacking(input),
			tensor.WithShape(e.inputs[i].Shape()...),
		)
		if err := G.Let(e.inputs[i], inputTensor); err != nil {
			return fmt.Errorf("setinput: could not set input %v: %v", i, err)
		}
	}
	return nil
}

// Set sets the weights of an mlp to be equal to the weights of another
// NeuralNet
func (dest *mlp) Set(source NeuralNet) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	for i, destLearnable := range nodes {
		sourceLearnable := sourceNodes[i].Clone()
		err := G.Let(destLearnable, sourceLearnable.(*G.Node).Value())
		if err != nil {
			return err
		}
	}
	return nil
}

// Polyak sets the weights of an mlp to be a Polyak average between its
// existing weights and the weights of another NeuralNet
func (dest *mlp) Polyak(source NeuralNet, tau float64) error {
	sourceNodes := source.Learnables()
	nodes := dest.Learnables()
	for i := range nodes {
		weights := nodes[i].Value().(*tensor.Dense)
		sourceWeights := sourceNodes[i].Value().(*tensor.Dense)

		weights, err := weights.MulScalar(1-tau, true)
		if err != nil {
			return err
		}

		sourceWeights, err = sourceWeights.MulScalar(tau, true)
		if err != nil {
			return err
		}

		var newWeights *tensor.Dense
		newWeights, err = weights.Add(sourceWeights)
		if err != nil {
			return err
		}

		err = G.Let(nodes[i], newWeights)
		if err != nil {
			return err
		}
	}
	return nil
}

// Learnables returns the learnable nodes in an mlp
func (e *mlp) Learnables() G.Nodes {
	// Lazy instantiation
	if e.learnables == nil {
		e.learnables = e.computeLearnables()
	}
	return e.learnables
}

// computeLearnables computes all the learnables for the network
func (e *mlp) computeLearnables() G.Nodes {
	learnables := make([]*G.Node, 0, 2*len(e.layers))
	for i := range e.layers {
		learnables = append(learnables, e.layers[i].Weights())
		if bias := e.layers[i].Bias(); bias != nil {
			learnables = append(learnables, bias)
		}
	}
	return G.Nodes(learnables)
}

// Model returns the learnable nodes with their gradients.
func (e *mlp) Model() []G.ValueGrad {
	// Lazy instantiation
	if e.model == nil {
		e.model = e.computeModel()
	}
	return e.model
}

// computeModel computes the model for the network
func (e *mlp) computeModel() []G.ValueGrad {
	model := make([]G.ValueGrad, 0, 2*len(e.layers))
	for _, node := range e.Learnables() {
		model = append(model, node)
	}
	return model
}

// fwd performs the forward pass of the mlp on the input nodes
func (e *mlp) fwd(inputs []*G.Node) (*G.Node, error) {
	// Concatenate inputs if necessary
	var input *G.Node
	if len(inputs) > 1 {
		input = G.Must(G.Concat(1, inputs...))
	} else {
		input = inputs[0]
	}

	if !input.IsMatrix() {
		return nil, fmt.Errorf("fwd: input must be a matrix node")
	}

	pred := input
	var err error
	for i, l := range e.layers {
		if pred, err = l.Fwd(pred); err != nil {
			msg := "fwd: could not compute forward pass of layer %v: %v"
			return nil, fmt.Errorf(msg, i, err)
		}
	}

	e.prediction = pred
	G.Read(e.prediction, &e.predVal)

	return pred, nil
}

// Output returns the output of the mlp as computed on the last run of
// the computational graph.
func (e *mlp) Output() G.Value {
	return e.predVal
}

// Prediction returns the node of the computational graph that stores
// the output of the mlp
func (e *mlp) Prediction() *G.Node {
	return e.prediction
}
