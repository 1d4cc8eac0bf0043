// Package experiment implements functionality for running an experiment
package experiment

import (
	"github.com/samuelfneumann/gosac/experiment/tracker"
	ts "github.com/samuelfneumann/gosac/timestep"
)

// Interface Experiment outlines structs that can run experiments.
// Experiments track environment TimeSteps, caching data from each
// TimeStep in RAM to be later saved to disk. The Save() function
// takes all cached data and saves it to disk. This is usually
// performed after an experiment has been run. The Run() method runs
// all episodes until the maximum timestep limit is reached, or some
// other ending condition is reached. The RunEpisode() function runs a
// single episode.
//
// In order to save data, Experiments use Trackers. Trackers determine
// which data generated during the experiment is saved. Experiments
// send each TimeStep to Trackers using the Tracker's Track() method.
// The Tracker then determines which data from the TimeStep it caches
// and saves. New Trackers can be registered with an Experiment through
// the constructor or through an Experiment's Register() function.
type Experiment interface {
	Run() error
	RunEpisode() (bool, error) // Returns whether the experiment finished

	// Save all tracked data to disk
	Save()

	// Adds a new tracker.Tracker to the (possibly already running)
	// experiment. Useful if you want to track data only after a
	// specified event.
	Register(t tracker.Tracker)

	// Tracks current timestep by sending it to Trackers
	track(ts.TimeStep)
}
