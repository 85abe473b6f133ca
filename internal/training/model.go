package training

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
)

// Model is the numerical side of the reference loop.
type Model interface {
	// Restore loads state produced by Snapshot and returns the epoch to resume from.
	Restore(data []byte) (int, error)
	// Step trains one batch and returns its loss.
	Step(epoch, batch int) float64
	// Snapshot serialises the model after completing epochs.
	Snapshot(epochs int) ([]byte, error)
	// Predict classifies a held-out sample.
	Predict(data []byte) (class int, confidence float64, err error)
}

// SimulatedModel stands in for a real network: loss decays with training and
// predictions grow more confident as epochs accumulate.
type SimulatedModel struct {
	rng     *rand.Rand
	classes int
	seen    int
}

type simulatedState struct {
	Epoch int `json:"epoch"`
	Seen  int `json:"seen"`
}

// NewSimulatedModel returns a deterministic model for a seed.
func NewSimulatedModel(seed uint64) *SimulatedModel {
	return &SimulatedModel{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), classes: 10}
}

func (m *SimulatedModel) Restore(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var state simulatedState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("decode simulated model: %w", err)
	}
	m.seen = state.Seen
	return state.Epoch, nil
}

func (m *SimulatedModel) Step(epoch, _ int) float64 {
	m.seen++
	base := 1 / (1 + 0.35*float64(epoch))
	noise := (m.rng.Float64() - 0.5) * 0.04
	return math.Max(0.01, base+noise)
}

func (m *SimulatedModel) Snapshot(epochs int) ([]byte, error) {
	return json.Marshal(simulatedState{Epoch: epochs, Seen: m.seen})
}

func (m *SimulatedModel) Predict([]byte) (int, float64, error) {
	confidence := 100 * (1 - math.Exp(-float64(m.seen)/150))
	return m.rng.IntN(m.classes), math.Min(99.9, math.Max(10, confidence)), nil
}
