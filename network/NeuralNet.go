// Package network implements feed-forward function approximators built
// on Gorgonia computational graphs
package network

import (
	G "gorgonia.org/gorgonia"
)

// NeuralNet implements a function approximator whose parameters are
// learnable nodes in a Gorgonia computational graph.
//
// A NeuralNet builds its forward pass at construction time. Inputs are
// fed with SetInput before running a VM compiled from the net's graph,
// after which Output holds the predicted values.
type NeuralNet interface {
	// Graph returns the computational graph of the net
	Graph() *G.ExprGraph

	// CloneWithBatch clones the net onto a fresh graph with a new
	// input batch size, copying the current parameter values
	CloneWithBatch(int) (NeuralNet, error)

	// BatchSize returns the number of samples in an input batch
	BatchSize() int

	// Features returns the feature widths of the net's inputs, one
	// width per input
	Features() []int

	// Outputs returns the number of values the net predicts per sample
	Outputs() int

	// SetInput sets the value of the net's input nodes before running
	// the forward pass, one row-major batch per input
	SetInput(...[]float64) error

	// Set sets the parameters of the net to those of another net
	Set(NeuralNet) error

	// Polyak sets the parameters of the net to an exponential average
	// between its current parameters and those of another net
	Polyak(NeuralNet, float64) error

	// Learnables returns the learnable parameter nodes of the net
	Learnables() G.Nodes

	// Model returns the learnable parameter nodes with their gradients
	Model() []G.ValueGrad

	// Output returns the value of the net's prediction after a VM of
	// the net's graph has been run
	Output() G.Value

	// Prediction returns the node of the computational graph that
	// stores the net's prediction
	Prediction() *G.Node
}
