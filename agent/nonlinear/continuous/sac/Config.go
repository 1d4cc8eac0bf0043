package sac

import (
	"fmt"

	"github.com/samuelfneumann/gosac/agent"
	env "github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/expreplay"
	"github.com/samuelfneumann/gosac/solver"
)

// Config implements a configuration of a SAC agent
type Config struct {
	// PolicyLayers and CriticLayers are the hidden layer sizes of the
	// policy network and of both critic networks respectively
	PolicyLayers []int
	CriticLayers []int

	// InitW bounds the uniform initialization of the final layer of
	// each network
	InitW float64

	// FixedStd fixes the standard deviation of the policy to a
	// constant when positive. When FixedStd <= 0, the standard
	// deviation is predicted by the policy network.
	FixedStd float64

	PolicySolver *solver.Solver
	QSolver      *solver.Solver
	VSolver      *solver.Solver
	AlphaSolver  *solver.Solver

	ExpReplay expreplay.Config

	// Tau is the Polyak averaging constant of the target state-value
	// function, and Discount is the discount factor ℽ
	Tau      float64
	Discount float64

	// UseAutomaticEntropyTuning determines whether the entropy scale α
	// is adjusted toward TargetEntropy by gradient descent or held
	// fixed at Alpha. A TargetEntropy of 0 denotes the default target
	// of -(action dimensions).
	UseAutomaticEntropyTuning bool
	TargetEntropy             float64
	Alpha                     float64

	// Verbose determines whether per-episode averages of the batch
	// rewards and losses are printed
	Verbose bool
}

// BatchSize returns the batch size of the agent constructed using this
// Config
func (c Config) BatchSize() int {
	return c.ExpReplay.SampleSize
}

// Validate returns an error describing whether or not the
// configuration is valid
func (c Config) Validate() error {
	if c.InitW <= 0 {
		return fmt.Errorf("validate: InitW must be positive \n\thave(%v)",
			c.InitW)
	}
	if c.PolicySolver == nil {
		return fmt.Errorf("validate: no policy solver given")
	}
	if c.QSolver == nil {
		return fmt.Errorf("validate: no action-value critic solver given")
	}
	if c.VSolver == nil {
		return fmt.Errorf("validate: no state-value critic solver given")
	}
	if c.UseAutomaticEntropyTuning && c.AlphaSolver == nil {
		return fmt.Errorf("validate: no entropy scale solver given")
	}
	if !c.UseAutomaticEntropyTuning && c.Alpha <= 0 {
		return fmt.Errorf("validate: entropy scale must be positive "+
			"\n\thave(%v)", c.Alpha)
	}
	if c.ExpReplay.SampleSize <= 0 {
		return fmt.Errorf("validate: batch size must be positive "+
			"\n\thave(%v)", c.ExpReplay.SampleSize)
	}
	if c.Tau < 0 || c.Tau > 1 {
		return fmt.Errorf("validate: tau must be in [0, 1] \n\thave(%v)",
			c.Tau)
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("validate: discount must be in [0, 1] "+
			"\n\thave(%v)", c.Discount)
	}
	return nil
}

// CreateAgent creates and returns the SAC agent that the Config
// describes
func (c Config) CreateAgent(e env.Environment, seed uint64) (agent.Agent,
	error) {
	return New(e, c, seed)
}
