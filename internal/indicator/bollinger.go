package indicator

// Bollinger computes Bollinger bands: a period SMA plus/minus k standard
// deviations. Composite output {upper, mid, lower} with mid as the primary
// value, emitted as a single structured event.
type Bollinger struct {
	window *CountWindow
	k      float64
}

// NewBollinger builds a Bollinger computation. Params: period (default 20),
// k (default 2).
func NewBollinger(params Params) (Compute, error) {
	period := int(params.Get("period", 20))
	k := params.Get("k", 2)
	return &Bollinger{window: NewCountWindow(period), k: k}, nil
}

// Update pushes one price and returns the bands once warm.
func (b *Bollinger) Update(sample Sample) (Output, bool) {
	if sample.Price <= 0 {
		return Output{}, false
	}
	b.window.Push(sample.Price)
	if !b.window.Warm() {
		return Output{}, false
	}
	mid := b.window.Mean()
	dev := b.window.StdDev() * b.k
	return Output{
		Value: mid,
		Fields: map[string]float64{
			"upper": mid + dev,
			"mid":   mid,
			"lower": mid - dev,
		},
	}, true
}
