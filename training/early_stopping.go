package training

import "math"

// State of the early-stopping machine after an epoch.
type State string

const (
	StateRunning   State = "running"
	StateImproved  State = "improved"
	StatePlateaued State = "plateaued"
	StateStopped   State = "stopped"
)

// StopReason explains why a run ended.
type StopReason string

const (
	StopNone      StopReason = ""
	StopExhausted StopReason = "exhausted"
	StopEarly     StopReason = "early_stop"
)

// DefaultPatience is the number of epochs without improvement tolerated
// before stopping.
const DefaultPatience = 5

// EarlyStopping tracks the best validation loss. An epoch improves only
// when its loss is strictly below the best so far; after Patience
// consecutive non-improving epochs the machine stops.
type EarlyStopping struct {
	Patience int

	state     State
	reason    StopReason
	best      float64
	bestEpoch int
	counter   int
}

func NewEarlyStopping(patience int) *EarlyStopping {
	if patience <= 0 {
		patience = DefaultPatience
	}
	return &EarlyStopping{Patience: patience, state: StateRunning, best: math.Inf(1), bestEpoch: -1}
}

// Observe feeds the validation loss of epoch and returns the new state.
// Observing after the machine stopped leaves it unchanged.
func (es *EarlyStopping) Observe(epoch int, valLoss float64) State {
	if es.state == StateStopped {
		return es.state
	}
	if valLoss < es.best {
		es.best = valLoss
		es.bestEpoch = epoch
		es.counter = 0
		es.state = StateImproved
		return es.state
	}

	es.counter++
	es.state = StatePlateaued
	if es.counter >= es.Patience {
		es.state = StateStopped
		es.reason = StopEarly
	}
	return es.state
}

// Exhaust marks the run as ended by the epoch budget.
func (es *EarlyStopping) Exhaust() {
	if es.state != StateStopped {
		es.state = StateStopped
		es.reason = StopExhausted
	}
}

func (es *EarlyStopping) State() State           { return es.state }
func (es *EarlyStopping) Reason() StopReason     { return es.reason }
func (es *EarlyStopping) Best() float64          { return es.best }
func (es *EarlyStopping) BestEpoch() int         { return es.bestEpoch }
func (es *EarlyStopping) EpochsWithoutGain() int { return es.counter }
