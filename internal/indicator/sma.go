package indicator

// SMA is the arithmetic mean of the last period closes, kept incrementally
// over a fixed window so each update is O(1).
type SMA struct {
	window []float64
	next   int // slot the next close overwrites
	filled int
	sum    float64
}

// NewSMA creates an SMA over period closes.
func NewSMA(period int) *SMA {
	return &SMA{window: make([]float64, period)}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(price float64) {
	if s.filled == len(s.window) {
		s.sum -= s.window[s.next]
	} else {
		s.filled++
	}
	s.window[s.next] = price
	s.sum += price
	s.next = (s.next + 1) % len(s.window)
}

// Value is 0 until the window is full.
func (s *SMA) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(len(s.window))
}

func (s *SMA) Ready() bool { return s.filled == len(s.window) }

// Reset empties the window.
func (s *SMA) Reset() {
	clear(s.window)
	s.next, s.filled, s.sum = 0, 0, 0
}
