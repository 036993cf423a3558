package indicator

// RSI calculates the Relative Strength Index using Wilder's smoothing.
// Gains and losses of successive closes feed two SMMAs; the first averages
// are the plain mean of the first period differences, so the first value is
// available after period+1 prices. RSI is 100 whenever the average loss is 0.
type RSI struct {
	period    int
	count     int
	prevClose float64
	gains     *SMMA
	losses    *SMMA
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{
		period: period,
		gains:  NewSMMA(period),
		losses: NewSMMA(period),
	}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(price float64) {
	r.count++
	if r.count == 1 {
		// First price: record it, no delta yet
		r.prevClose = price
		return
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	r.gains.Update(gain)
	r.losses.Update(loss)

	if !r.losses.Ready() {
		return
	}
	avgLoss := r.losses.Value()
	if avgLoss == 0 {
		r.current = 100.0
		return
	}
	rs := r.gains.Value() / avgLoss
	r.current = 100.0 - (100.0 / (1.0 + rs))
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }

// Reset clears the RSI state for reuse.
func (r *RSI) Reset() {
	r.count = 0
	r.prevClose = 0
	r.current = 0
	r.gains.Reset()
	r.losses.Reset()
}
