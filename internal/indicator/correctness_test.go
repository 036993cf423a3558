package indicator

import (
	"math"
	"testing"
)

// ────────────────────────────────────────────────────────────
// Helper
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// SMA Correctness
// ────────────────────────────────────────────────────────────

func TestSMA_Correctness_Period3(t *testing.T) {
	// Prices: 100, 102, 104, 103, 105
	// SMA after price 3: (100+102+104)/3 = 102
	// SMA after price 4: (102+104+103)/3 = 103
	// SMA after price 5: (104+103+105)/3 = 104
	sma := NewSMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102.0, 103.0, 104.0}
	ready := []bool{false, false, true, true, true}

	for i, p := range prices {
		sma.Update(p)
		if sma.Ready() != ready[i] {
			t.Errorf("price %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
		if ready[i] {
			assertClose(t, "SMA(3)", sma.Value(), expected[i], 0.0001)
		}
	}
}

func TestSMA_Reset(t *testing.T) {
	sma := NewSMA(2)
	sma.Update(10)
	sma.Update(20)
	sma.Reset()
	if sma.Ready() {
		t.Error("Ready after Reset")
	}
	sma.Update(4)
	sma.Update(6)
	assertClose(t, "SMA after reset", sma.Value(), 5, 1e-9)
}

// ────────────────────────────────────────────────────────────
// EMA Correctness
// ────────────────────────────────────────────────────────────

func TestEMA_Correctness_Span3(t *testing.T) {
	// α = 2/(3+1) = 0.5, seeded with the first price.
	// 10 → 10
	// 11 → 0.5*11 + 0.5*10    = 10.5
	// 12 → 0.5*12 + 0.5*10.5  = 11.25
	// 13 → 0.5*13 + 0.5*11.25 = 12.125
	ema := NewEMA(3)
	prices := []float64{10, 11, 12, 13}
	expected := []float64{10, 10.5, 11.25, 12.125}

	for i, p := range prices {
		ema.Update(p)
		if !ema.Ready() {
			t.Fatalf("price %d: EMA not ready", i)
		}
		assertClose(t, "EMA(3)", ema.Value(), expected[i], 1e-9)
	}
}

func TestEMA_Correctness_Span9(t *testing.T) {
	// α = 0.2
	// 100 → 100
	// 110 → 0.2*110 + 0.8*100 = 102
	// 90  → 0.2*90  + 0.8*102 = 99.6
	ema := NewEMA(9)
	for _, p := range []float64{100, 110, 90} {
		ema.Update(p)
	}
	assertClose(t, "EMA(9)", ema.Value(), 99.6, 1e-9)
}

// ────────────────────────────────────────────────────────────
// SMMA Correctness
// ────────────────────────────────────────────────────────────

func TestSMMA_Correctness_Period3(t *testing.T) {
	// Prices: 10, 20, 30, 40
	// Seed after 3: (10+20+30)/3 = 20
	// Next: (20*2 + 40)/3 = 26.6667
	s := NewSMMA(3)
	for _, p := range []float64{10, 20, 30} {
		s.Update(p)
	}
	if !s.Ready() {
		t.Fatal("SMMA(3) not ready after 3 prices")
	}
	assertClose(t, "SMMA seed", s.Value(), 20, 1e-9)
	s.Update(40)
	assertClose(t, "SMMA smoothed", s.Value(), 26.666667, 1e-5)
}

// ────────────────────────────────────────────────────────────
// RSI Correctness
// ────────────────────────────────────────────────────────────

func TestRSI_Correctness_Period5(t *testing.T) {
	// Prices: 44, 44.34, 44.09, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84
	//
	// Deltas 2..6: +0.34, -0.25, -0.48, +0.72, +0.50
	//   avgGain = 1.56/5 = 0.312, avgLoss = 0.73/5 = 0.146
	//   RSI = 100 - 100/(1+2.13699) = 68.1223
	// Price 7 (+0.27): avgGain = 0.3036, avgLoss = 0.1168 → RSI 72.2169
	// Price 8 (+0.32): avgGain = 0.30688, avgLoss = 0.09344 → RSI 76.6587
	// Price 9 (+0.42): avgGain = 0.329504, avgLoss = 0.074752 → RSI 81.5087
	prices := []float64{44, 44.34, 44.09, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84}

	rsi := NewRSI(5)
	for i := 0; i <= 4; i++ {
		rsi.Update(prices[i])
		if rsi.Ready() {
			t.Fatalf("RSI(5) ready after %d prices", i+1)
		}
	}
	rsi.Update(prices[5])
	if !rsi.Ready() {
		t.Fatal("RSI(5) not ready after 6 prices")
	}
	assertClose(t, "RSI(5) price 6", rsi.Value(), 68.1223, 0.001)

	rsi.Update(prices[6])
	assertClose(t, "RSI(5) price 7", rsi.Value(), 72.2169, 0.001)
	rsi.Update(prices[7])
	assertClose(t, "RSI(5) price 8", rsi.Value(), 76.6587, 0.001)
	rsi.Update(prices[8])
	assertClose(t, "RSI(5) price 9", rsi.Value(), 81.5087, 0.001)
}

func TestRSI_AllUp_Is100(t *testing.T) {
	rsi := NewRSI(14)
	for i := 0; i < 28; i++ {
		rsi.Update(100 + float64(i))
	}
	assertClose(t, "RSI all up", rsi.Value(), 100.0, 0.001)
}

func TestRSI_AllDown_Is0(t *testing.T) {
	rsi := NewRSI(14)
	for i := 0; i < 28; i++ {
		rsi.Update(200 - float64(i))
	}
	assertClose(t, "RSI all down", rsi.Value(), 0.0, 0.001)
}

func TestRSI_Flat_Is100(t *testing.T) {
	// Both averages are 0; avgLoss == 0 defines RSI as 100.
	rsi := NewRSI(5)
	for i := 0; i < 10; i++ {
		rsi.Update(100)
	}
	assertClose(t, "RSI flat", rsi.Value(), 100.0, 0.001)
}

// ────────────────────────────────────────────────────────────
// MACD Correctness
// ────────────────────────────────────────────────────────────

func TestMACD_Correctness(t *testing.T) {
	// fast span 1 (α=1) tracks price, slow span 3 (α=0.5), signal span 3.
	// 10: fast 10, slow 10   → MACD 0,   signal 0
	// 12: fast 12, slow 11   → MACD 1,   signal 0.5
	// 12: fast 12, slow 11.5 → MACD 0.5, signal 0.5
	m := NewMACD(1, 3, 3)
	wantLine := []float64{0, 1, 0.5}
	wantSignal := []float64{0, 0.5, 0.5}
	for i, p := range []float64{10, 12, 12} {
		m.Update(p)
		assertClose(t, "MACD line", m.Value(), wantLine[i], 1e-9)
		assertClose(t, "MACD signal", m.Signal(), wantSignal[i], 1e-9)
	}
}

// ────────────────────────────────────────────────────────────
// Cross-indicator: same data → correct ordering
// ────────────────────────────────────────────────────────────

func TestIndicators_TrendingUp_Ordering(t *testing.T) {
	sma5 := NewSMA(5)
	sma20 := NewSMA(20)
	ema5 := NewEMA(5)

	for i := 0; i < 30; i++ {
		p := 100 + float64(i)
		sma5.Update(p)
		sma20.Update(p)
		ema5.Update(p)
	}

	if sma5.Value() <= sma20.Value() {
		t.Errorf("SMA(5) should be > SMA(20) in uptrend: SMA5=%.2f, SMA20=%.2f", sma5.Value(), sma20.Value())
	}
	if ema5.Value() <= sma20.Value() {
		t.Errorf("EMA(5) should be > SMA(20) in uptrend: EMA5=%.2f, SMA20=%.2f", ema5.Value(), sma20.Value())
	}
}

func TestEMA_MoreResponsiveThanSMA(t *testing.T) {
	sma := NewSMA(10)
	ema := NewEMA(10)

	for i := 0; i < 20; i++ {
		sma.Update(100)
		ema.Update(100)
	}
	sma.Update(120)
	ema.Update(120)

	if ema.Value() <= sma.Value() {
		t.Errorf("EMA should react more than SMA to sudden price jump: EMA=%.4f, SMA=%.4f", ema.Value(), sma.Value())
	}
}
