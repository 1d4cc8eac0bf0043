// Package environment outlines the interfaces and structs needed to
// implement concrete environments
package environment

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gosac/timestep"
)

// Starter implements a distribution of starting states and samples
// starting states for environments
type Starter interface {
	Start() mat.Vector
}

// Ender determines when environmental episodes end
type Ender interface {
	// End takes the most recent timestep of an episode and returns
	// whether the episode should end, modifying the timestep's
	// StepType field to timestep.Last if so
	End(*timestep.TimeStep) bool
}

// Task implements the reward scheme and episode boundaries for taking
// actions in some environment
type Task interface {
	Starter
	Ender

	// GetReward returns the reward for taking action a in state,
	// which resulted in nextState
	GetReward(state, a, nextState mat.Vector) float64

	// AtGoal returns whether the argument state is the goal state
	AtGoal(state mat.Matrix) bool

	// Min and Max return the minimum and maximum attainable rewards
	Min() float64
	Max() float64

	RewardSpec() Spec
}

// Environment implements a simulated environment, which includes a
// Task to complete
type Environment interface {
	Task

	// Reset resets the environment between episodes and returns the
	// starting timestep
	Reset() timestep.TimeStep

	// Step takes one environmental step given the argument action,
	// returning the next timestep and whether it is the last in the
	// episode
	Step(action *mat.VecDense) (timestep.TimeStep, bool)

	DiscountSpec() Spec
	ObservationSpec() Spec
	ActionSpec() Spec
}
