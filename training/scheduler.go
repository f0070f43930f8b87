package training

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// Improvement is measured against an absolute threshold in "min" mode.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Minimum decrease that counts as an improvement
	MinLR     float64 // Lower bound on the learning rate

	bestMetric  float64
	badEpochs   int
	reductions  int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 5
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
	}
}

// Step is called once per epoch with the validation loss and returns the
// learning rate for the next epoch.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.initialized = true
		return currentLR
	}

	if metric < s.bestMetric-s.Threshold {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR
	}

	s.badEpochs++
	if s.badEpochs < s.Patience {
		return currentLR
	}
	s.badEpochs = 0
	next := currentLR * s.Factor
	if next < s.MinLR {
		next = s.MinLR
	}
	if next < currentLR {
		s.reductions++
	}
	return next
}

// BadEpochs is the current count of epochs without improvement.
func (s *ReduceLROnPlateauScheduler) BadEpochs() int {
	return s.badEpochs
}

// Reductions is how many times the learning rate was lowered.
func (s *ReduceLROnPlateauScheduler) Reductions() int {
	return s.reductions
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
