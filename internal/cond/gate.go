package cond

import (
	"errors"
	"fmt"

	"github.com/flowquant/flowquant/internal/graph"
)

// GateInput is the outcome of one gate input edge: either a boolean or the
// evaluation error its source node produced.
type GateInput struct {
	Value bool
	Err   error
}

// EvalGate combines gate input outcomes.
//
// AND: true iff every input is true. An input that errored counts as
// false, not as a propagating error, unless every input errored. In that
// case the gate itself fails.
// OR: true iff at least one input is true; same error treatment as AND.
// NOT: inverts its single input; a single errored input propagates.
func EvalGate(kind graph.Kind, inputs []GateInput) (bool, error) {
	switch kind {
	case graph.KindAndGate:
		if allErrored(inputs) {
			return false, fmt.Errorf("andGate: all %d inputs failed: %w", len(inputs), firstErr(inputs))
		}
		for _, in := range inputs {
			if in.Err != nil || !in.Value {
				return false, nil
			}
		}
		return true, nil

	case graph.KindOrGate:
		if allErrored(inputs) {
			return false, fmt.Errorf("orGate: all %d inputs failed: %w", len(inputs), firstErr(inputs))
		}
		for _, in := range inputs {
			if in.Err == nil && in.Value {
				return true, nil
			}
		}
		return false, nil

	case graph.KindNotGate:
		if len(inputs) != 1 {
			return false, fmt.Errorf("notGate requires exactly 1 input, got %d", len(inputs))
		}
		if inputs[0].Err != nil {
			return false, fmt.Errorf("notGate input failed: %w", inputs[0].Err)
		}
		return !inputs[0].Value, nil

	default:
		return false, fmt.Errorf("kind %s is not a gate", kind)
	}
}

func allErrored(inputs []GateInput) bool {
	if len(inputs) == 0 {
		return false
	}
	for _, in := range inputs {
		if in.Err == nil {
			return false
		}
	}
	return true
}

func firstErr(inputs []GateInput) error {
	for _, in := range inputs {
		if in.Err != nil {
			return in.Err
		}
	}
	return errors.New("no error")
}
