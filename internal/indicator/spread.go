package indicator

// SpreadPct is the instantaneous bid/ask spread as a percentage of the bid.
// Driven by orderbook samples; tick samples without book data are ignored.
type SpreadPct struct{}

// NewSpreadPct builds a spread computation. No params.
func NewSpreadPct(Params) (Compute, error) {
	return &SpreadPct{}, nil
}

// Update emits (ask-bid)/bid*100 whenever both sides are present.
func (s *SpreadPct) Update(sample Sample) (Output, bool) {
	if sample.Bid <= 0 || sample.Ask <= 0 || sample.Ask < sample.Bid {
		return Output{}, false
	}
	return Output{Value: (sample.Ask - sample.Bid) / sample.Bid * 100}, true
}
