package indicator

// VolumeSurge is the ratio of the latest sample volume to the mean volume of
// the trailing window. Values well above 1 indicate unusual activity.
type VolumeSurge struct {
	window *TimeWindow
}

// NewVolumeSurge builds a volume surge computation. Params: window_ms
// (default 300000), interval_ms (default 1000), fill_ratio (default 0.8).
func NewVolumeSurge(params Params) (Compute, error) {
	windowMS := int64(params.Get("window_ms", 300000))
	intervalMS := int64(params.Get("interval_ms", 1000))
	fillRatio := params.Get("fill_ratio", DefaultFillRatio)
	return &VolumeSurge{window: NewTimeWindow(windowMS, intervalMS, fillRatio)}, nil
}

// Update pushes one volume sample and emits volume/mean once warm.
func (v *VolumeSurge) Update(sample Sample) (Output, bool) {
	if sample.Volume < 0 {
		return Output{}, false
	}
	v.window.Push(sample.TS, sample.Volume)
	if !v.window.Warm() {
		return Output{}, false
	}
	mean := v.window.Mean()
	if mean <= 0 {
		return Output{}, false
	}
	return Output{Value: sample.Volume / mean}, true
}
