package indicator

// SMA is a simple moving average over the most recent period prices.
type SMA struct {
	window *CountWindow
}

// NewSMA builds an SMA computation. Params: period (default 20).
func NewSMA(params Params) (Compute, error) {
	period := int(params.Get("period", 20))
	return &SMA{window: NewCountWindow(period)}, nil
}

// Update pushes the sample price and returns the mean once warm.
func (s *SMA) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	s.window.Push(sample.Price)
	if !s.window.Warm() {
		return Output{}, false
	}
	return Output{Value: s.window.Mean()}, true
}
