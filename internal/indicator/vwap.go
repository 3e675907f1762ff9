package indicator

// VWAP is the volume-weighted average price over a trailing time window.
// Zero total volume yields no value rather than a division by zero.
type VWAP struct {
	pv  *TimeWindow
	vol *TimeWindow
}

// NewVWAP builds a VWAP computation. Params: window_ms (default 60000),
// interval_ms (default 1000), fill_ratio (default 0.8).
func NewVWAP(params Params) (Compute, error) {
	windowMS := int64(params.Get("window_ms", 60000))
	intervalMS := int64(params.Get("interval_ms", 1000))
	fillRatio := params.Get("fill_ratio", DefaultFillRatio)
	return &VWAP{
		pv:  NewTimeWindow(windowMS, intervalMS, fillRatio),
		vol: NewTimeWindow(windowMS, intervalMS, fillRatio),
	}, nil
}

// Update pushes price*volume and volume, emitting their ratio once warm.
func (v *VWAP) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	v.pv.Push(sample.TS, sample.Price*sample.Volume)
	v.vol.Push(sample.TS, sample.Volume)
	if !v.vol.Warm() {
		return Output{}, false
	}
	totalVolume := v.vol.Sum()
	if totalVolume <= 0 {
		return Output{}, false
	}
	return Output{Value: v.pv.Sum() / totalVolume}, true
}
