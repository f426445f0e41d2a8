package usecase

import (
	"go.uber.org/zap"

	"github.com/example/faceswap/internal/registry"
)

// State is a step of the swap lifecycle.
type State string

const (
	StateReceived       State = "Received"
	StateFetchingInputs State = "FetchingInputs"
	StateInvoking       State = "Invoking"
	StatePersisting     State = "Persisting"
	StateSucceeded      State = "Succeeded"
	StateFailed         State = "Failed"
)

var transitions = map[State][]State{
	StateReceived:       {StateFetchingInputs, StateFailed},
	StateFetchingInputs: {StateInvoking, StateFailed},
	StateInvoking:       {StatePersisting, StateFailed},
	StatePersisting:     {StateSucceeded, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition reports whether next directly follows s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type swapRun struct {
	id     string
	state  State
	logger *zap.Logger
	result *registry.SwapResult
}

func (r *swapRun) advance(next State) {
	if !r.state.CanTransition(next) {
		r.logger.DPanic("illegal swap transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
		return
	}
	r.logger.Info("swap transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state = next
}
