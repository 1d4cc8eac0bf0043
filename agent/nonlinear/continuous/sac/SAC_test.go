package sac

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r1"
	G "gorgonia.org/gorgonia"

	"github.com/samuelfneumann/gosac/environment"
	"github.com/samuelfneumann/gosac/environment/classiccontrol/pendulum"
	"github.com/samuelfneumann/gosac/expreplay"
	"github.com/samuelfneumann/gosac/solver"
	"github.com/samuelfneumann/gosac/timestep"
)

// fixedReplay is an ExperienceReplayer which always returns the same
// batch of transitions, so that agent updates can be driven without
// filling a buffer.
type fixedReplay struct {
	batch expreplay.Batch
}

func (f *fixedReplay) Add(t timestep.Transition) error { return nil }

func (f *fixedReplay) Sample() (expreplay.Batch, error) {
	return f.batch, nil
}

func (f *fixedReplay) Capacity() int    { return f.batch.Size }
func (f *fixedReplay) MaxCapacity() int { return f.batch.Size }
func (f *fixedReplay) MinCapacity() int { return f.batch.Size }
func (f *fixedReplay) BatchSize() int   { return f.batch.Size }

// newPendulum returns a new swing-up pendulum environment along with
// its first timestep.
func newPendulum(seed uint64) (environment.Environment, timestep.TimeStep) {
	bounds := []r1.Interval{
		{Min: -pendulum.AngleBound, Max: pendulum.AngleBound},
		{Min: -1.0, Max: 1.0},
	}
	s := environment.NewUniformStarter(bounds, seed)
	task := pendulum.NewSwingUp(s, 100)
	return pendulum.NewContinuous(task, 0.99)
}

// testConfig returns a valid SAC configuration with batch size batch
func testConfig(t *testing.T, batch int) Config {
	t.Helper()

	newSolver := func() *solver.Solver {
		s, err := solver.NewDefaultAdam(1e-3, 1)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	return Config{
		PolicyLayers: []int{10},
		CriticLayers: []int{10},
		InitW:        3e-3,
		PolicySolver: newSolver(),
		QSolver:      newSolver(),
		VSolver:      newSolver(),
		AlphaSolver:  newSolver(),
		ExpReplay: expreplay.Config{
			RemoveMethod:      expreplay.Fifo,
			SampleMethod:      expreplay.Uniform,
			RemoveSize:        1,
			SampleSize:        batch,
			MaxReplayCapacity: 1000,
			MinReplayCapacity: batch,
		},
		Tau:                       0.05,
		Discount:                  0.99,
		UseAutomaticEntropyTuning: true,
	}
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig(t, 4)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	invalid := []func(c *Config){
		func(c *Config) { c.InitW = 0 },
		func(c *Config) { c.PolicySolver = nil },
		func(c *Config) { c.QSolver = nil },
		func(c *Config) { c.VSolver = nil },
		func(c *Config) { c.AlphaSolver = nil },
		func(c *Config) { c.UseAutomaticEntropyTuning = false },
		func(c *Config) { c.ExpReplay.SampleSize = 0 },
		func(c *Config) { c.Tau = 1.5 },
		func(c *Config) { c.Discount = -0.1 },
	}
	for i, breakConfig := range invalid {
		c := testConfig(t, 4)
		breakConfig(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %v: expected invalid config to be rejected", i)
		}
	}
}

func TestNewInitializesTargetValueFunction(t *testing.T) {
	env, _ := newPendulum(42)
	a, err := New(env, testConfig(t, 4), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	vLearnables := agent.vNet.Learnables()
	for i, node := range agent.targetVNet.Learnables() {
		targetData := node.Value().Data().([]float64)
		vData := vLearnables[i].Value().Data().([]float64)
		for j := range targetData {
			if targetData[j] != vData[j] {
				t.Errorf("learnable %v element %v: expected %v, got %v", i,
					j, vData[j], targetData[j])
			}
		}
	}
}

func TestStepWithoutEnoughExperience(t *testing.T) {
	env, firstStep := newPendulum(42)
	a, err := New(env, testConfig(t, 4), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	if err := agent.ObserveFirst(firstStep); err != nil {
		t.Fatal(err)
	}
	if err := agent.Step(); err != nil {
		t.Errorf("expected no update on an empty buffer, got error %v", err)
	}
	if agent.updates != 0 {
		t.Errorf("expected 0 updates, got %v", agent.updates)
	}
}

func TestStep(t *testing.T) {
	const batch = 4

	env, _ := newPendulum(42)
	a, err := New(env, testConfig(t, batch), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	agent.replay = &fixedReplay{
		batch: expreplay.Batch{
			States: []float64{
				0.1, 0.0,
				-0.5, 1.0,
				2.0, -2.0,
				3.0, 0.5,
			},
			Actions: []float64{0.5, -0.5, 1.0, -1.0},
			Rewards: []float64{1.0, 0.0, -1.0, 0.5},
			NextStates: []float64{
				0.2, 0.1,
				-0.4, 0.9,
				2.1, -1.9,
				3.0, 0.4,
			},
			Dones: []float64{0, 0, 0, 1},
			Size:  batch,
		},
	}

	for i := 0; i < 3; i++ {
		if err := agent.Step(); err != nil {
			t.Fatal(err)
		}
	}

	if agent.updates != 3 {
		t.Fatalf("expected 3 updates, got %v", agent.updates)
	}

	losses := []float64{agent.QLoss(), agent.VLoss(), agent.PolicyLoss()}
	for i, loss := range losses {
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Errorf("loss %v is not finite: %v", i, loss)
		}
	}
	if agent.QLoss() != agent.qLossVal.Data().(float64) {
		t.Errorf("expected action-value loss %v, got %v",
			agent.qLossVal.Data().(float64), agent.QLoss())
	}

	// The mean batch reward of the most recent update is surfaced
	expectedReward := (1.0 + 0.0 - 1.0 + 0.5) / 4
	if reward := agent.MeanBatchReward(); reward != expectedReward {
		t.Errorf("expected mean batch reward %v, got %v", expectedReward,
			reward)
	}

	if alpha := agent.Alpha(); alpha <= 0 {
		t.Errorf("expected positive entropy scale, got %v", alpha)
	}

	// The behaviour policy trails the learned policy exactly
	trainLearnables := agent.trainPolicy.Network().Learnables()
	for i, node := range agent.behaviour.Network().Learnables() {
		behaviourData := node.Value().Data().([]float64)
		trainData := trainLearnables[i].Value().Data().([]float64)
		for j := range behaviourData {
			if behaviourData[j] != trainData[j] {
				t.Errorf("behaviour learnable %v element %v: expected %v, "+
					"got %v", i, j, trainData[j], behaviourData[j])
			}
		}
	}
}

// assertZeroGradient fails the test if any learnable in nodes holds a
// non-zero gradient
func assertZeroGradient(t *testing.T, name string, nodes G.Nodes) {
	t.Helper()
	for i, node := range nodes {
		grad, err := node.Grad()
		if err != nil {
			t.Fatalf("%v learnable %v: could not read gradient: %v", name,
				i, err)
		}
		data, ok := grad.Data().([]float64)
		if !ok {
			t.Fatalf("%v learnable %v: unexpected gradient type %T", name,
				i, grad.Data())
		}
		for j, g := range data {
			if g != 0 {
				t.Errorf("%v learnable %v element %v: leftover gradient %v",
					name, i, j, g)
			}
		}
	}
}

func TestStepLeavesNoGradient(t *testing.T) {
	const batch = 2

	env, _ := newPendulum(42)
	a, err := New(env, testConfig(t, batch), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	agent.replay = &fixedReplay{
		batch: expreplay.Batch{
			States:     []float64{0.1, 0.0, -0.5, 1.0},
			Actions:    []float64{0.5, -0.5},
			Rewards:    []float64{1.0, 0.0},
			NextStates: []float64{0.2, 0.1, -0.4, 0.9},
			Dones:      []float64{0, 1},
			Size:       batch,
		},
	}

	// Each approximator's update must start from clean gradients, so
	// no gradient may survive a full update
	for i := 0; i < 3; i++ {
		if err := agent.Step(); err != nil {
			t.Fatal(err)
		}
		assertZeroGradient(t, "policy",
			agent.trainPolicy.Network().Learnables())
		assertZeroGradient(t, "action-value", agent.qNet.Learnables())
		assertZeroGradient(t, "state-value", agent.vNet.Learnables())
	}
}

func TestPolicyLogProbsDoesNotAffectUpdate(t *testing.T) {
	const batch = 2

	replay := &fixedReplay{
		batch: expreplay.Batch{
			States:     []float64{0.1, 0.0, -0.5, 1.0},
			Actions:    []float64{0.5, -0.5},
			Rewards:    []float64{1.0, 0.0},
			NextStates: []float64{0.2, 0.1, -0.4, 0.9},
			Dones:      []float64{0, 1},
			Size:       batch,
		},
	}

	newAgent := func() *SAC {
		env, _ := newPendulum(42)
		a, err := New(env, testConfig(t, batch), 42)
		if err != nil {
			t.Fatal(err)
		}
		agent := a.(*SAC)
		agent.replay = replay
		return agent
	}

	first := newAgent()
	if err := first.Step(); err != nil {
		t.Fatal(err)
	}

	// Evaluating log probabilities is a read-only operation, so an
	// extra evaluation before an update must not change the update
	second := newAgent()
	_, err := second.policyLogProbs(replay.batch.States,
		make([]float64, batch))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Step(); err != nil {
		t.Fatal(err)
	}

	firstLearnables := first.trainPolicy.Network().Learnables()
	for i, node := range second.trainPolicy.Network().Learnables() {
		secondData := node.Value().Data().([]float64)
		firstData := firstLearnables[i].Value().Data().([]float64)
		for j := range secondData {
			if secondData[j] != firstData[j] {
				t.Errorf("learnable %v element %v: %v != %v", i, j,
					firstData[j], secondData[j])
			}
		}
	}
}

func TestTargetSmoothing(t *testing.T) {
	const batch = 2

	env, _ := newPendulum(42)
	c := testConfig(t, batch)
	a, err := New(env, c, 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	agent.replay = &fixedReplay{
		batch: expreplay.Batch{
			States:     []float64{0.1, 0.0, -0.5, 1.0},
			Actions:    []float64{0.5, -0.5},
			Rewards:    []float64{1.0, 0.0},
			NextStates: []float64{0.2, 0.1, -0.4, 0.9},
			Dones:      []float64{0, 1},
			Size:       batch,
		},
	}

	before := make([][]float64, len(agent.targetVNet.Learnables()))
	for i, node := range agent.targetVNet.Learnables() {
		data := node.Value().Data().([]float64)
		before[i] = append([]float64{}, data...)
	}

	if err := agent.Step(); err != nil {
		t.Fatal(err)
	}

	// The target parameters move by exactly the τ-weighted average of
	// their old values and the updated state-value parameters
	vLearnables := agent.vNet.Learnables()
	for i, node := range agent.targetVNet.Learnables() {
		targetData := node.Value().Data().([]float64)
		vData := vLearnables[i].Value().Data().([]float64)
		for j := range targetData {
			expected := before[i][j]*(1-c.Tau) + vData[j]*c.Tau
			if targetData[j] != expected {
				t.Errorf("learnable %v element %v: expected %v, got %v", i,
					j, expected, targetData[j])
			}
		}
	}
}

func TestUpdateInvariantToTransitionOrder(t *testing.T) {
	const batch = 2

	// Two transitions sharing states and actions, differing only in
	// reward and episode termination
	states := []float64{0.1, 0.0, 0.1, 0.0}
	actions := []float64{0.5, 0.5}
	nextStates := []float64{0.2, 0.1, 0.2, 0.1}

	newAgent := func(rewards, dones []float64) *SAC {
		env, _ := newPendulum(42)
		a, err := New(env, testConfig(t, batch), 42)
		if err != nil {
			t.Fatal(err)
		}
		agent := a.(*SAC)
		agent.replay = &fixedReplay{
			batch: expreplay.Batch{
				States:     states,
				Actions:    actions,
				Rewards:    rewards,
				NextStates: nextStates,
				Dones:      dones,
				Size:       batch,
			},
		}
		return agent
	}

	first := newAgent([]float64{1.0, 0.0}, []float64{0, 1})
	second := newAgent([]float64{0.0, 1.0}, []float64{1, 0})

	if err := first.Step(); err != nil {
		t.Fatal(err)
	}
	if err := second.Step(); err != nil {
		t.Fatal(err)
	}

	// The losses reduce each batch by a mean, so reordering the
	// transitions leaves every update unchanged
	firstLearnables := first.targetVNet.Learnables()
	for i, node := range second.targetVNet.Learnables() {
		secondData := node.Value().Data().([]float64)
		firstData := firstLearnables[i].Value().Data().([]float64)
		for j := range secondData {
			if secondData[j] != firstData[j] {
				t.Errorf("learnable %v element %v: %v != %v", i, j,
					firstData[j], secondData[j])
			}
		}
	}
}

func TestSelectActionScaledToEnvBounds(t *testing.T) {
	env, firstStep := newPendulum(42)
	a, err := New(env, testConfig(t, 4), 42)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		action := a.SelectAction(firstStep)
		if action.Len() != 1 {
			t.Fatalf("expected 1 action dimension, got %v", action.Len())
		}
		bound := pendulum.TorqueBound
		if torque := action.AtVec(0); torque <= -bound || torque >= bound {
			t.Errorf("action %v outside (-%v, %v)", torque, bound, bound)
		}
	}
}

func TestObserveAddsToReplayBuffer(t *testing.T) {
	env, firstStep := newPendulum(42)
	a, err := New(env, testConfig(t, 4), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	if err := agent.ObserveFirst(firstStep); err != nil {
		t.Fatal(err)
	}
	action := agent.SelectAction(firstStep)
	nextStep, _ := env.Step(action)
	if err := agent.Observe(action, nextStep); err != nil {
		t.Fatal(err)
	}

	if capacity := agent.replay.Capacity(); capacity != 1 {
		t.Errorf("expected 1 transition in the buffer, got %v", capacity)
	}
}

func TestTargetEntropyDefault(t *testing.T) {
	env, _ := newPendulum(42)
	a, err := New(env, testConfig(t, 4), 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	// The default target entropy is the negative number of action
	// dimensions
	if h := agent.TargetEntropy(); h != -1.0 {
		t.Errorf("expected target entropy -1, got %v", h)
	}
}

func TestEntropyTunerDirection(t *testing.T) {
	newTuner := func() *entropyTuner {
		sol, err := solver.NewVanilla(0.1, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		tuner, err := newEntropyTuner(2, -1.0, sol)
		if err != nil {
			t.Fatal(err)
		}
		return tuner
	}

	// Log probabilities well below the target entropy shrink α
	tuner := newTuner()
	if err := tuner.Step([]float64{-5, -5}); err != nil {
		t.Fatal(err)
	}
	if alpha := tuner.Alpha(); alpha >= 1 {
		t.Errorf("expected α < 1, got %v", alpha)
	}

	// Log probabilities above the target entropy grow α
	tuner = newTuner()
	if err := tuner.Step([]float64{3, 3}); err != nil {
		t.Fatal(err)
	}
	if alpha := tuner.Alpha(); alpha <= 1 {
		t.Errorf("expected α > 1, got %v", alpha)
	}

	if err := tuner.Step([]float64{0}); err == nil {
		t.Error("expected error for wrong number of log probabilities")
	}
}

func TestStepWithFixedEntropyScale(t *testing.T) {
	const batch = 2

	env, _ := newPendulum(42)
	c := testConfig(t, batch)
	c.UseAutomaticEntropyTuning = false
	c.AlphaSolver = nil
	c.Alpha = 0.2
	c.FixedStd = 0.5

	a, err := New(env, c, 42)
	if err != nil {
		t.Fatal(err)
	}
	agent := a.(*SAC)

	agent.replay = &fixedReplay{
		batch: expreplay.Batch{
			States:     []float64{0.1, 0.0, -0.5, 1.0},
			Actions:    []float64{0.5, -0.5},
			Rewards:    []float64{1.0, 0.0},
			NextStates: []float64{0.2, 0.1, -0.4, 0.9},
			Dones:      []float64{0, 1},
			Size:       batch,
		},
	}

	if err := agent.Step(); err != nil {
		t.Fatal(err)
	}
	if alpha := agent.Alpha(); alpha != 0.2 {
		t.Errorf("expected fixed entropy scale 0.2, got %v", alpha)
	}
	if h := agent.TargetEntropy(); h != 0 {
		t.Errorf("expected target entropy 0 without tuning, got %v", h)
	}
}
