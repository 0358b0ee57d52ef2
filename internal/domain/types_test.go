package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTypesExist(t *testing.T) {
	req := OrderRequest{}
	if req.Symbol != "" || req.Quantity != 0 {
		t.Error("expected zero-value OrderRequest")
	}
	if !req.Price.Equal(decimal.Zero) {
		t.Error("expected zero Price for zero-value OrderRequest")
	}

	if OrderKindMarket != "market" || OrderKindStopLimit != "stoplimit" {
		t.Error("OrderKind constants have unexpected values")
	}
	if StatusUp != "Up" || StatusShutdown != "Shutdown" {
		t.Error("ConnectionStatus constants have unexpected values")
	}
	if OrderClassTicket != "ticket" {
		t.Errorf("OrderClassTicket = %q, want %q", OrderClassTicket, "ticket")
	}

	f := NewFailure("account unknown")
	if f.Status != "Error" || f.ErrorMsg != "account unknown" {
		t.Errorf("NewFailure = %+v", f)
	}
}

func TestLineSinkFormatsValue(t *testing.T) {
	var got string
	sink := LineSink(func(s string) { got = s })
	sink.Deliver("rtx", Result{Label: "positions", Value: map[string]int{"AAPL": 100}})

	want := `rtx.positions: {"AAPL":100}`
	if got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
}

func TestLineSinkFormatsError(t *testing.T) {
	var got string
	sink := LineSink(func(s string) { got = s })
	sink.Deliver("rtx", Result{Label: "order", Err: errors.New("callback expired")})

	if got != "rtx.error: callback expired" {
		t.Errorf("line = %q", got)
	}
}

func TestFuncSinkAndZeroSink(t *testing.T) {
	var got Result
	FuncSink(func(r Result) { got = r }).Deliver("rtx", Result{Label: "tick", Value: 1})
	if got.Label != "tick" || got.Value != 1 {
		t.Errorf("FuncSink delivered %+v", got)
	}

	// The zero Sink discards.
	Sink{}.Deliver("rtx", Result{Label: "tick"})
}

func TestAwait(t *testing.T) {
	r, err := Await(context.Background(), func(s Sink) {
		go s.Deliver("rtx", Result{Label: "symbols", Value: []string{"AAPL"}})
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if r.Label != "symbols" {
		t.Errorf("label = %q", r.Label)
	}

	wantErr := errors.New("boom")
	if _, err := Await(context.Background(), func(s Sink) {
		s.Deliver("rtx", Result{Err: wantErr})
	}); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := Await(ctx, func(Sink) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
