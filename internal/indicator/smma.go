package indicator

// SMMA is Wilder's smoothed average: the mean of the first period inputs,
// then avg = (avg*(period-1) + x) / period for every later input.
type SMMA struct {
	period int
	seen   int
	avg    float64
}

// NewSMMA creates an SMMA with the given period.
func NewSMMA(period int) *SMMA {
	return &SMMA{period: period}
}

func (s *SMMA) Name() string { return "SMMA" }

func (s *SMMA) Update(x float64) {
	s.seen++
	n := float64(s.period)
	if s.seen <= s.period {
		// Running mean of the seed window; equals the plain mean once full.
		s.avg += (x - s.avg) / float64(s.seen)
		return
	}
	s.avg = (s.avg*(n-1) + x) / n
}

// Value is meaningful once Ready; before that it is the partial seed mean.
func (s *SMMA) Value() float64 { return s.avg }
func (s *SMMA) Ready() bool    { return s.seen >= s.period }

// Reset clears the average.
func (s *SMMA) Reset() {
	s.seen = 0
	s.avg = 0
}
