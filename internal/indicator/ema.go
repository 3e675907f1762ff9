package indicator

// EMA is an exponential moving average seeded by an SMA over the first
// period samples, then updated incrementally with the standard smoothing
// factor 2/(period+1).
type EMA struct {
	period int
	alpha  float64
	seed   *CountWindow
	value  float64
	warm   bool
}

// NewEMA builds an EMA computation. Params: period (default 20).
func NewEMA(params Params) (Compute, error) {
	period := int(params.Get("period", 20))
	if period < 1 {
		period = 1
	}
	return &EMA{
		period: period,
		alpha:  2.0 / (float64(period) + 1.0),
		seed:   NewCountWindow(period),
	}, nil
}

// Update advances the average with one price.
func (e *EMA) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	if !e.warm {
		e.seed.Push(sample.Price)
		if !e.seed.Warm() {
			return Output{}, false
		}
		e.value = e.seed.Mean()
		e.warm = true
		return Output{Value: e.value}, true
	}
	e.value = e.alpha*sample.Price + (1-e.alpha)*e.value
	return Output{Value: e.value}, true
}
