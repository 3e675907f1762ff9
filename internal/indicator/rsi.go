package indicator

// RSI is the Relative Strength Index with Wilder smoothing. Warm after
// period price changes have been observed.
type RSI struct {
	period    int
	avgGain   float64
	avgLoss   float64
	lastPrice float64
	seen      int
}

// NewRSI builds an RSI computation. Params: period (default 14).
func NewRSI(params Params) (Compute, error) {
	period := int(params.Get("period", 14))
	if period < 1 {
		period = 1
	}
	return &RSI{period: period}, nil
}

// Update advances the index with one price.
func (r *RSI) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	if r.lastPrice == 0 {
		r.lastPrice = sample.Price
		return Output{}, false
	}

	change := sample.Price - r.lastPrice
	r.lastPrice = sample.Price

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	r.seen++
	if r.seen <= r.period {
		// Accumulate the seed averages.
		r.avgGain += gain / float64(r.period)
		r.avgLoss += loss / float64(r.period)
		if r.seen < r.period {
			return Output{}, false
		}
	} else {
		r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
		r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	}

	if r.avgLoss == 0 {
		return Output{Value: 100}, true
	}
	rs := r.avgGain / r.avgLoss
	return Output{Value: 100 - 100/(1+rs)}, true
}
