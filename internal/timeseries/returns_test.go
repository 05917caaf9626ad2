package timeseries

import (
	"errors"
	"math"
	"testing"

	"github.com/quantlab-io/datacore/internal/dataerrors"
)

func TestComputeReturns_Simple(t *testing.T) {
	frame := closeFrame(t, "AAPL.XNAS", []float64{100, 110, 99},
		"2024-01-02", "2024-01-03", "2024-01-04")

	returns, err := ComputeReturns(frame, "close", ReturnsAllowNaN)
	if err != nil {
		t.Fatalf("ComputeReturns() error = %v", err)
	}

	if returns.Columns[0].Field != "close_return" {
		t.Errorf("column field = %q, want close_return", returns.Columns[0].Field)
	}
	if !math.IsNaN(returns.Values[0][0]) {
		t.Errorf("first return = %v, want NaN", returns.Values[0][0])
	}
	if got := returns.Values[1][0]; math.Abs(got-0.10) > 1e-12 {
		t.Errorf("return[1] = %v, want 0.10", got)
	}
	if got := returns.Values[2][0]; math.Abs(got-(-0.10)) > 1e-12 {
		t.Errorf("return[2] = %v, want -0.10", got)
	}
}

func TestComputeReturns_GapStaysNaN(t *testing.T) {
	frame := closeFrame(t, "AAPL.XNAS", []float64{100, math.NaN(), 102},
		"2024-01-02", "2024-01-03", "2024-01-04")

	returns, err := ComputeReturns(frame, "close", ReturnsAllowNaN)
	if err != nil {
		t.Fatalf("ComputeReturns() error = %v", err)
	}

	// No silent fill: both returns touching the gap stay NaN
	if !math.IsNaN(returns.Values[1][0]) || !math.IsNaN(returns.Values[2][0]) {
		t.Errorf("returns = %v, %v, want NaN, NaN", returns.Values[1][0], returns.Values[2][0])
	}
}

func TestComputeReturns_DropDates(t *testing.T) {
	frame := closeFrame(t, "AAPL.XNAS", []float64{100, math.NaN(), 102, 104},
		"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05")

	returns, err := ComputeReturns(frame, "close", ReturnsDropDates)
	if err != nil {
		t.Fatalf("ComputeReturns() error = %v", err)
	}

	// First row and both gap-adjacent returns drop; 104/102 survives
	if len(returns.Dates) != 1 {
		t.Fatalf("len(Dates) = %d, want 1", len(returns.Dates))
	}
	if returns.Dates[0].String() != "2024-01-05" {
		t.Errorf("surviving date = %s, want 2024-01-05", returns.Dates[0])
	}
}

func TestComputeReturns_ErrorPolicy(t *testing.T) {
	complete := closeFrame(t, "AAPL.XNAS", []float64{100, 101},
		"2024-01-02", "2024-01-03")

	if _, err := ComputeReturns(complete, "close", ReturnsError); err != nil {
		t.Fatalf("complete frame error = %v, want nil (first row exempt)", err)
	}

	gapped := closeFrame(t, "AAPL.XNAS", []float64{100, math.NaN(), 102},
		"2024-01-02", "2024-01-03", "2024-01-04")

	if _, err := ComputeReturns(gapped, "close", ReturnsError); !errors.Is(err, dataerrors.ErrValidation) {
		t.Fatalf("gapped frame error = %v, want ErrValidation", err)
	}
}

func TestComputeReturns_FieldMissing(t *testing.T) {
	frame := closeFrame(t, "AAPL.XNAS", []float64{100}, "2024-01-02")

	_, err := ComputeReturns(frame, "open", ReturnsAllowNaN)
	if !errors.Is(err, dataerrors.ErrValidation) {
		t.Fatalf("ComputeReturns() error = %v, want ErrValidation", err)
	}
}

func TestComputeReturns_MultiAsset(t *testing.T) {
	frame := NewFrame(
		dates(t, "2024-01-02", "2024-01-03"),
		[]ColumnKey{
			{Asset: "AAPL.XNAS", Field: "close"},
			{Asset: "AAPL.XNAS", Field: "volume"},
			{Asset: "MSFT.XNAS", Field: "close"},
		},
	)
	frame.Values[0][0] = 100
	frame.Values[1][0] = 110
	frame.Values[0][1] = 5000
	frame.Values[1][1] = 6000
	frame.Values[0][2] = 200
	frame.Values[1][2] = 190

	returns, err := ComputeReturns(frame, "close", ReturnsAllowNaN)
	if err != nil {
		t.Fatalf("ComputeReturns() error = %v", err)
	}

	// Only the close columns contribute
	if len(returns.Columns) != 2 {
		t.Fatalf("len(Columns) = %d, want 2", len(returns.Columns))
	}
	if got := returns.Values[1][0]; math.Abs(got-0.10) > 1e-12 {
		t.Errorf("AAPL return = %v, want 0.10", got)
	}
	if got := returns.Values[1][1]; math.Abs(got-(-0.05)) > 1e-12 {
		t.Errorf("MSFT return = %v, want -0.05", got)
	}
}
