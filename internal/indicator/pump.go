package indicator

// PumpMagnitude measures the rise of the current price above the minimum
// price seen in the trailing window, in percent. A fast pump shows up as the
// last price pulling away from the window minimum.
type PumpMagnitude struct {
	window *TimeWindow
}

// NewPumpMagnitude builds a pump magnitude computation. Params: window_ms
// (default 60000), interval_ms (default 1000), fill_ratio (default 0.8).
func NewPumpMagnitude(params Params) (Compute, error) {
	windowMS := int64(params.Get("window_ms", 60000))
	intervalMS := int64(params.Get("interval_ms", 1000))
	fillRatio := params.Get("fill_ratio", DefaultFillRatio)
	return &PumpMagnitude{window: NewTimeWindow(windowMS, intervalMS, fillRatio)}, nil
}

// Update pushes one price and emits (last-min)/min*100 once warm.
func (p *PumpMagnitude) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	p.window.Push(sample.TS, sample.Price)
	if !p.window.Warm() {
		return Output{}, false
	}
	min, ok := p.window.Min()
	if !ok || min <= 0 {
		return Output{}, false
	}
	return Output{Value: (sample.Price - min) / min * 100}, true
}
