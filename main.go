package main

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/sac"
	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/environment/classiccontrol/pendulum"
	"github.com/samuelfneumann/gosac/experiment"
	"github.com/samuelfneumann/gosac/experiment/tracker"
	"github.com/samuelfneumann/gosac/expreplay"
	"github.com/samuelfneumann/gosac/solver"
)

func main() {
	var seed uint64 = 192382

	// Create the environment
	angleBounds := r1.Interval{Min: -pendulum.AngleBound,
		Max: pendulum.AngleBound}
	speedBounds := r1.Interval{Min: -1.0, Max: 1.0}

	s := environment.NewUniformStarter([]r1.Interval{
		angleBounds,
		speedBounds,
	}, seed)
	task := pendulum.NewSwingUp(s, 200)
	env, _ := pendulum.NewContinuous(task, 0.99)

	// Create the solvers for each approximator
	policySolver, err := solver.NewDefaultAdam(3e-4, 1)
	if err != nil {
		panic(err)
	}
	qSolver, err := solver.NewDefaultAdam(3e-4, 1)
	if err != nil {
		panic(err)
	}
	vSolver, err := solver.NewDefaultAdam(3e-4, 1)
	if err != nil {
		panic(err)
	}
	alphaSolver, err := solver.NewDefaultAdam(3e-4, 1)
	if err != nil {
		panic(err)
	}

	config := sac.Config{
		PolicyLayers: []int{256, 256},
		CriticLayers: []int{256, 256},
		InitW:        3e-3,

		PolicySolver: policySolver,
		QSolver:      qSolver,
		VSolver:      vSolver,
		AlphaSolver:  alphaSolver,

		ExpReplay: expreplay.Config{
			RemoveMethod:      expreplay.Fifo,
			SampleMethod:      expreplay.Uniform,
			RemoveSize:        1,
			SampleSize:        40,
			MaxReplayCapacity: 100_000,
			MinReplayCapacity: 40,
		},

		Tau:      0.01,
		Discount: 0.99,

		UseAutomaticEntropyTuning: true,

		Verbose: true,
	}

	agent, err := config.CreateAgent(env, seed)
	if err != nil {
		panic(fmt.Sprintf("could not create agent: %v", err))
	}

	// Experiment
	var t tracker.Tracker = tracker.NewReturn("./data.bin")
	e := experiment.NewOnline(env, agent, 50_000, t)
	if err := e.Run(); err != nil {
		panic(fmt.Sprintf("could not run experiment: %v", err))
	}
	e.Save()

	data := tracker.LoadData("./data.bin")
	fmt.Println(data[len(data)-10:])
}
