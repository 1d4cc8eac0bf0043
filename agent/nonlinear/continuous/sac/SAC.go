// Package sac implements the Soft Actor-Critic algorithm
package sac

import (
	"fmt"
	"os"

	"github.com/samuelfneumann/gosac/agent"
	"github.com/samuelfneumann/gosac/agent/nonlinear/continuous/policy"
	env "github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/expreplay"
	"github.com/samuelfneumann/gosac/network"
	ts "github.com/samuelfneumann/gosac/timestep"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SAC implements the Soft Actor-Critic algorithm. The agent learns a
// squashed Gaussian policy, an action-value function Q, a state-value
// function V, and a target state-value function which trails V by
// Polyak averaging. The entropy scale α may be held fixed or adjusted
// automatically toward a target entropy.
//
// Each call to Step() performs, in order: an update to α, an update
// to Q toward r + (1-done)γV̄(s'), an update to V toward the
// re-evaluated action values less the entropy bonus, an update to the
// policy, and a Polyak average of the target value function. All
// updates are computed on a single batch sampled from the experience
// replay buffer at the start of the step.
type SAC struct {
	// Policy. The logPolicy is a gradient-free copy of trainPolicy
	// for the preliminary log probability pass, so that only the
	// policy update run deposits a gradient in the learnables.
	behaviour    *policy.SquashedGaussianMLP // Has its own VM
	trainPolicy  *policy.SquashedGaussianMLP // Policy struct that is learned
	logPolicy    *policy.SquashedGaussianMLP
	logPolicyVM  G.VM
	policyVM     G.VM
	policySolver G.Solver

	// Inputs to the policy loss: the current entropy scale and the
	// action values entering the loss
	alphaInput *G.Node
	qNewInput  *G.Node

	// Action-value critic. The qEvalNet is a gradient-free copy of
	// qNet for re-evaluating action values after the critic update.
	qNet     network.NeuralNet
	qVM      G.VM
	qTargets *G.Node
	qSolver  G.Solver
	qEvalNet network.NeuralNet
	qEvalVM  G.VM

	// State-value critic and its target network
	vNet       network.NeuralNet
	vVM        G.VM
	vTargets   *G.Node
	vSolver    G.Solver
	targetVNet network.NeuralNet
	targetVVM  G.VM

	// Entropy scale. The tuner is nil when automatic entropy tuning
	// is disabled, in which case alpha stays at its configured value.
	tuner *entropyTuner
	alpha float64

	policyLossVal G.Value
	qLossVal      G.Value
	vLossVal      G.Value

	replay      expreplay.ExperienceReplayer
	prevStep    ts.TimeStep
	actionDims  int
	actionScale *mat.VecDense
	batchSize   int
	tau         float64
	discount    float64

	// Diagnostics of the most recent update and their per-episode sums
	verbose       bool
	updates       int
	meanReward    float64
	qLoss         float64
	vLoss         float64
	policyLoss    float64
	rewardSum     float64
	qLossSum      float64
	vLossSum      float64
	policyLossSum float64
}

// New returns a new SAC agent which acts in and learns from the
// argument environment. The seed determines the initial network
// weights, the noise used for action selection, and the order in
// which experience is replayed.
func New(e env.Environment, c Config, seed uint64) (agent.Agent, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	features := e.ObservationSpec().Shape.Len()
	actionDims := e.ActionSpec().Shape.Len()
	batchSize := c.ExpReplay.SampleSize

	// Create the experience replay buffer
	replay, err := c.ExpReplay.Create(features, actionDims, int64(seed))
	if err != nil {
		return nil, fmt.Errorf("new: could not construct experience "+
			"replay buffer: %v", err)
	}

	s := &SAC{
		replay:      replay,
		actionDims:  actionDims,
		actionScale: mat.VecDenseCopyOf(e.ActionSpec().UpperBound),
		batchSize:   batchSize,
		tau:         c.Tau,
		discount:    c.Discount,
		verbose:     c.Verbose,
	}

	// Create the training policy
	if c.FixedStd > 0 {
		s.trainPolicy, err = policy.NewFixedStdSquashedGaussianMLP(e,
			batchSize, G.NewGraph(), c.PolicyLayers, c.InitW, c.FixedStd,
			seed)
	} else {
		s.trainPolicy, err = policy.NewSquashedGaussianMLP(e, batchSize,
			G.NewGraph(), c.PolicyLayers, c.InitW, seed)
	}
	if err != nil {
		return nil, fmt.Errorf("new: could not create policy: %v", err)
	}

	// Create the policy loss: mean(α log π - q). The entropy scale and
	// the action values are inputs to the graph, so the policy
	// gradient flows only through the log probabilities.
	policyGraph := s.trainPolicy.Network().Graph()
	s.alphaInput = G.NewScalar(policyGraph, tensor.Float64,
		G.WithName("alpha"), G.WithValue(1.0))
	s.qNewInput = G.NewVector(policyGraph, tensor.Float64,
		G.WithShape(batchSize), G.WithName("qNew"), G.WithInit(G.Zeroes()))
	policyLoss := G.Must(G.Mul(s.alphaInput, s.trainPolicy.SumLogProb()))
	policyLoss = G.Must(G.Sub(policyLoss, s.qNewInput))
	policyLoss = G.Must(G.Mean(policyLoss))
	G.Read(policyLoss, &s.policyLossVal)

	_, err = G.Grad(policyLoss, s.trainPolicy.Network().Learnables()...)
	if err != nil {
		return nil, fmt.Errorf("new: could not compute the policy "+
			"gradient: %v", err)
	}
	s.policyVM = G.NewTapeMachine(policyGraph,
		G.BindDualValues(s.trainPolicy.Network().Learnables()...))
	s.policySolver = c.PolicySolver

	// Create the behaviour policy for action selection
	s.behaviour, err = s.trainPolicy.CloneWithBatch(1)
	if err != nil {
		return nil, fmt.Errorf("new: could not create behaviour "+
			"policy: %v", err)
	}

	// Create the gradient-free policy copy for the preliminary log
	// probability pass
	s.logPolicy, err = s.trainPolicy.CloneWithBatch(batchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create forward-only "+
			"policy: %v", err)
	}
	s.logPolicyVM = G.NewTapeMachine(s.logPolicy.Network().Graph())

	// Create the action-value critic and its MSE loss
	s.qNet, err = network.NewMultiInputMLP([]int{features, actionDims},
		batchSize, 1, G.NewGraph(), c.CriticLayers, network.ReLU(),
		network.Nil(), c.InitW)
	if err != nil {
		return nil, fmt.Errorf("new: could not create action-value "+
			"critic: %v", err)
	}
	s.qTargets = G.NewVector(s.qNet.Graph(), tensor.Float64,
		G.WithShape(batchSize), G.WithName("qTargets"),
		G.WithInit(G.Zeroes()))
	qLoss := G.Must(G.Ravel(s.qNet.Prediction()))
	qLoss = G.Must(G.Sub(qLoss, s.qTargets))
	qLoss = G.Must(G.Square(qLoss))
	qLoss = G.Must(G.Mean(qLoss))
	G.Read(qLoss, &s.qLossVal)

	_, err = G.Grad(qLoss, s.qNet.Learnables()...)
	if err != nil {
		return nil, fmt.Errorf("new: could not compute action-value "+
			"gradient: %v", err)
	}
	s.qVM = G.NewTapeMachine(s.qNet.Graph(),
		G.BindDualValues(s.qNet.Learnables()...))
	s.qSolver = c.QSolver

	// Create the gradient-free critic copy for re-evaluating action
	// values
	s.qEvalNet, err = s.qNet.CloneWithBatch(batchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create forward-only "+
			"action-value critic: %v", err)
	}
	s.qEvalVM = G.NewTapeMachine(s.qEvalNet.Graph())

	// Create the state-value critic and its MSE loss
	s.vNet, err = network.NewMLP(features, batchSize, 1, G.NewGraph(),
		c.CriticLayers, network.ReLU(), network.Nil(), c.InitW)
	if err != nil {
		return nil, fmt.Errorf("new: could not create state-value "+
			"critic: %v", err)
	}
	s.vTargets = G.NewVector(s.vNet.Graph(), tensor.Float64,
		G.WithShape(batchSize), G.WithName("vTargets"),
		G.WithInit(G.Zeroes()))
	vLoss := G.Must(G.Ravel(s.vNet.Prediction()))
	vLoss = G.Must(G.Sub(vLoss, s.vTargets))
	vLoss = G.Must(G.Square(vLoss))
	vLoss = G.Must(G.Mean(vLoss))
	G.Read(vLoss, &s.vLossVal)

	_, err = G.Grad(vLoss, s.vNet.Learnables()...)
	if err != nil {
		return nil, fmt.Errorf("new: could not compute state-value "+
			"gradient: %v", err)
	}
	s.vVM = G.NewTapeMachine(s.vNet.Graph(),
		G.BindDualValues(s.vNet.Learnables()...))
	s.vSolver = c.VSolver

	// Create the target state-value function, initialized to the
	// weights of the state-value critic
	s.targetVNet, err = s.vNet.CloneWithBatch(batchSize)
	if err != nil {
		return nil, fmt.Errorf("new: could not create target state-value "+
			"function: %v", err)
	}
	s.targetVVM = G.NewTapeMachine(s.targetVNet.Graph())

	// Create the entropy scale
	s.alpha = c.Alpha
	if c.UseAutomaticEntropyTuning {
		targetEntropy := c.TargetEntropy
		if targetEntropy == 0 {
			targetEntropy = -float64(actionDims)
		}
		s.tuner, err = newEntropyTuner(batchSize, targetEntropy,
			c.AlphaSolver)
		if err != nil {
			return nil, fmt.Errorf("new: could not create entropy "+
				"tuner: %v", err)
		}
		s.alpha = s.tuner.Alpha()
	}

	return s, nil
}

// SelectAction selects and returns an action at the argument timestep,
// scaled to the action bounds of the environment
func (s *SAC) SelectAction(t ts.TimeStep) *mat.VecDense {
	action := s.behaviour.SelectAction(t)
	action.MulElemVec(action, s.actionScale)
	return action
}

// ObserveFirst records the first timestep in an episode
func (s *SAC) ObserveFirst(t ts.TimeStep) error {
	if !t.First() {
		fmt.Fprintf(os.Stderr, "Warning: ObserveFirst() should only be "+
			"called on the first timestep (current timestep = %d)\n", t.Number)
	}

	s.prevStep = t
	return nil
}

// Observe records that an action lead to some timestep, adding the
// resulting transition to the experience replay buffer
func (s *SAC) Observe(action mat.Vector, nextStep ts.TimeStep) error {
	if !nextStep.First() {
		transition := ts.NewTransition(s.prevStep, action.(*mat.VecDense),
			nextStep)
		if err := s.replay.Add(transition); err != nil {
			return fmt.Errorf("observe: could not add to replay "+
				"buffer: %v", err)
		}
	}

	s.prevStep = nextStep
	return nil
}

// EndEpisode performs cleanup at the end of an episode
func (s *SAC) EndEpisode() {
	if s.verbose && s.updates > 0 {
		n := float64(s.updates)
		fmt.Printf("Average Reward: %v, QF Loss: %v, VF Loss: %v, "+
			"Policy Loss: %v\n", s.rewardSum/n, s.qLossSum/n, s.vLossSum/n,
			s.policyLossSum/n)
	}
	s.updates = 0
	s.rewardSum = 0
	s.qLossSum = 0
	s.vLossSum = 0
	s.policyLossSum = 0
}

// Eval sets the agent to evaluation mode
func (s *SAC) Eval() { s.behaviour.Eval() }

// Train sets the agent to training mode
func (s *SAC) Train() { s.behaviour.Train() }

// IsEval returns whether the agent is in evaluation mode
func (s *SAC) IsEval() bool { return s.behaviour.IsEval() }

// Alpha returns the current entropy scale α
func (s *SAC) Alpha() float64 {
	return s.alpha
}

// TargetEntropy returns the entropy that the entropy scale α is
// adjusted toward, or 0 if automatic entropy tuning is disabled
func (s *SAC) TargetEntropy() float64 {
	if s.tuner == nil {
		return 0
	}
	return s.tuner.targetEntropy
}

// Step performs a single update to the agent on a batch of experience
// sampled from the replay buffer. If the buffer cannot yet fill a
// batch, no update is performed.
func (s *SAC) Step() error {
	batch, err := s.replay.Sample()
	if expreplay.IsEmptyBuffer(err) || expreplay.IsInsufficientSamples(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("step: could not sample from replay buffer: %v",
			err)
	}

	// Run the policy forward on the states in the batch to get the log
	// probabilities of the actions the policy would select. The noise
	// is recorded so that the later policy update differentiates
	// through the same actions.
	noise := s.trainPolicy.SampleNoise()
	logPi, err := s.policyLogProbs(batch.States, noise)
	if err != nil {
		return fmt.Errorf("step: could not run policy forward pass: %v", err)
	}

	// Update the entropy scale
	if s.tuner != nil {
		if err := s.tuner.Step(copyFloats(logPi)); err != nil {
			return fmt.Errorf("step: could not update entropy scale: %v", err)
		}
		s.alpha = s.tuner.Alpha()
	}

	// Update the action-value critic toward r + (1-done)ℽV̄(s')
	nextV, err := s.targetStateValues(batch.NextStates)
	if err != nil {
		return fmt.Errorf("step: could not compute target state "+
			"values: %v", err)
	}
	qTarget := make([]float64, batch.Size)
	for i := range qTarget {
		qTarget[i] = batch.Rewards[i] +
			(1-batch.Dones[i])*s.discount*nextV[i]
	}

	if err := s.qNet.SetInput(batch.States, batch.Actions); err != nil {
		return fmt.Errorf("step: could not set action-value critic "+
			"input: %v", err)
	}
	if err := letVector(s.qTargets, qTarget); err != nil {
		return fmt.Errorf("step: could not set action-value targets: %v", err)
	}
	if err := s.qVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run action-value critic VM: %v",
			err)
	}
	qLoss := s.qLossVal.Data().(float64)
	if err := s.qSolver.Step(s.qNet.Model()); err != nil {
		return fmt.Errorf("step: could not step action-value critic "+
			"solver: %v", err)
	}
	s.qVM.Reset()

	// Re-evaluate the updated action-value critic at the next states
	// with the replayed actions. These values drive both the
	// state-value target and the policy loss. The evaluation runs on
	// the gradient-free critic copy so that the next critic update
	// starts from clean gradients.
	if err := s.qEvalNet.Set(s.qNet); err != nil {
		return fmt.Errorf("step: could not update forward-only "+
			"action-value critic: %v", err)
	}
	if err := s.qEvalNet.SetInput(batch.NextStates, batch.Actions); err != nil {
		return fmt.Errorf("step: could not set action-value critic "+
			"input: %v", err)
	}
	if err := s.qEvalVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run action-value critic VM: %v",
			err)
	}
	qNew := copyFloats(s.qEvalNet.Output().Data().([]float64))
	s.qEvalVM.Reset()

	// Update the state-value critic toward q - α log π
	vTarget := make([]float64, batch.Size)
	for i := range vTarget {
		vTarget[i] = qNew[i] - s.alpha*logPi[i]
	}

	if err := s.vNet.SetInput(batch.States); err != nil {
		return fmt.Errorf("step: could not set state-value critic "+
			"input: %v", err)
	}
	if err := letVector(s.vTargets, vTarget); err != nil {
		return fmt.Errorf("step: could not set state-value targets: %v", err)
	}
	if err := s.vVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run state-value critic VM: %v",
			err)
	}
	vLoss := s.vLossVal.Data().(float64)
	if err := s.vSolver.Step(s.vNet.Model()); err != nil {
		return fmt.Errorf("step: could not step state-value critic "+
			"solver: %v", err)
	}
	s.vVM.Reset()

	// Update the policy. The states and noise of the first forward
	// pass are replayed so that the gradient is taken through the same
	// log probabilities, with the current entropy scale and the
	// re-evaluated action values completing the loss.
	if err := s.trainPolicy.SetObservations(batch.States); err != nil {
		return fmt.Errorf("step: could not set policy input: %v", err)
	}
	if err := s.trainPolicy.SetNoise(noise); err != nil {
		return fmt.Errorf("step: could not set policy noise: %v", err)
	}
	if err := G.Let(s.alphaInput, s.alpha); err != nil {
		return fmt.Errorf("step: could not set entropy scale: %v", err)
	}
	if err := letVector(s.qNewInput, qNew); err != nil {
		return fmt.Errorf("step: could not set policy loss action "+
			"values: %v", err)
	}
	if err := s.policyVM.RunAll(); err != nil {
		return fmt.Errorf("step: could not run policy VM: %v", err)
	}
	policyLoss := s.policyLossVal.Data().(float64)
	if err := s.policySolver.Step(s.trainPolicy.Network().Model()); err != nil {
		return fmt.Errorf("step: could not step policy solver: %v", err)
	}
	s.policyVM.Reset()

	// Update the behaviour policy
	if err := s.behaviour.Network().Set(s.trainPolicy.Network()); err != nil {
		return fmt.Errorf("step: could not update behaviour policy: %v", err)
	}

	// Move the target state-value function toward the state-value
	// critic
	err = s.targetVNet.Polyak(s.vNet, s.tau)
	if err != nil {
		return fmt.Errorf("step: could not update target state-value "+
			"function: %v", err)
	}

	s.updates++
	s.meanReward = floats.Sum(batch.Rewards) / float64(batch.Size)
	s.qLoss = qLoss
	s.vLoss = vLoss
	s.policyLoss = policyLoss
	s.rewardSum += s.meanReward
	s.qLossSum += qLoss
	s.vLossSum += vLoss
	s.policyLossSum += policyLoss
	return nil
}

// MeanBatchReward returns the mean reward of the batch used by the
// most recent update
func (s *SAC) MeanBatchReward() float64 {
	return s.meanReward
}

// QLoss returns the action-value loss of the most recent update
func (s *SAC) QLoss() float64 {
	return s.qLoss
}

// VLoss returns the state-value loss of the most recent update
func (s *SAC) VLoss() float64 {
	return s.vLoss
}

// PolicyLoss returns the policy loss of the most recent update
func (s *SAC) PolicyLoss() float64 {
	return s.policyLoss
}

// policyLogProbs evaluates the policy at the argument states with the
// argument noise and returns the log probabilities of the actions the
// policy selects. The forward pass runs on a gradient-free copy of
// the policy, so no gradient is recorded in the policy learnables and
// no weights are updated.
func (s *SAC) policyLogProbs(states, noise []float64) ([]float64, error) {
	if err := s.logPolicy.Network().Set(s.trainPolicy.Network()); err != nil {
		return nil, err
	}
	if err := s.logPolicy.SetObservations(states); err != nil {
		return nil, err
	}
	if err := s.logPolicy.SetNoise(copyFloats(noise)); err != nil {
		return nil, err
	}
	if err := s.logPolicyVM.RunAll(); err != nil {
		return nil, err
	}
	defer s.logPolicyVM.Reset()

	return copyFloats(s.logPolicy.SumLogProbVal().Data().([]float64)), nil
}

// targetStateValues evaluates the target state-value function at the
// argument states
func (s *SAC) targetStateValues(states []float64) ([]float64, error) {
	if err := s.targetVNet.SetInput(states); err != nil {
		return nil, err
	}
	if err := s.targetVVM.RunAll(); err != nil {
		return nil, err
	}
	defer s.targetVVM.Reset()

	return copyFloats(s.targetVNet.Output().Data().([]float64)), nil
}

// letVector sets the value of the vector input node to the argument
// data
func letVector(node *G.Node, data []float64) error {
	return G.Let(node, tensor.New(
		tensor.WithBacking(data),
		tensor.WithShape(len(data)),
	))
}

// copyFloats returns a copy of x
func copyFloats(x []float64) []float64 {
	c := make([]float64, len(x))
	copy(c, x)
	return c
}
