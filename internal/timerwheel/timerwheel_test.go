package timerwheel

import (
	"testing"
	"time"
)

func TestExpiredOrder(t *testing.T) {
	w := New()
	base := time.Now()
	w.Add(base.Add(30*time.Millisecond), Token{Quad: 3, Kind: KindRetransmit})
	w.Add(base.Add(10*time.Millisecond), Token{Quad: 1, Kind: KindRetransmit})
	w.Add(base.Add(20*time.Millisecond), Token{Quad: 2, Kind: KindTimeWait})

	fired := w.Expired(base.Add(25 * time.Millisecond))
	if len(fired) != 2 {
		t.Fatalf("want 2 fired, got %d", len(fired))
	}
	if fired[0].Quad != 1 || fired[1].Quad != 2 {
		t.Fatalf("fired out of order: %+v", fired)
	}
	if w.Len() != 1 {
		t.Fatalf("want 1 remaining, got %d", w.Len())
	}
	fired = w.Expired(base.Add(time.Second))
	if len(fired) != 1 || fired[0].Quad != 3 {
		t.Fatalf("want final token 3, got %+v", fired)
	}
}

func TestCancel(t *testing.T) {
	w := New()
	base := time.Now()
	h := w.Add(base.Add(5*time.Millisecond), Token{Quad: 1})
	w.Add(base.Add(10*time.Millisecond), Token{Quad: 2})
	w.Cancel(h)
	fired := w.Expired(base.Add(time.Second))
	if len(fired) != 1 || fired[0].Quad != 2 {
		t.Fatalf("canceled timer fired: %+v", fired)
	}
	w.Cancel(h) // double cancel is a no-op
}

func TestNextDeadline(t *testing.T) {
	w := New()
	if _, ok := w.NextDeadline(); ok {
		t.Fatal("empty wheel has no deadline")
	}
	base := time.Now()
	w.Add(base.Add(50*time.Millisecond), Token{Quad: 2})
	h := w.Add(base.Add(10*time.Millisecond), Token{Quad: 1})
	dl, ok := w.NextDeadline()
	if !ok || !dl.Equal(base.Add(10*time.Millisecond)) {
		t.Fatalf("deadline = %v ok=%v, want earliest", dl, ok)
	}
	w.Cancel(h)
	dl, ok = w.NextDeadline()
	if !ok || !dl.Equal(base.Add(50*time.Millisecond)) {
		t.Fatalf("deadline after cancel = %v ok=%v, want second timer", dl, ok)
	}
}

func TestExpiredNothingDue(t *testing.T) {
	w := New()
	base := time.Now()
	w.Add(base.Add(time.Hour), Token{Quad: 1})
	if fired := w.Expired(base); len(fired) != 0 {
		t.Fatalf("nothing should fire, got %+v", fired)
	}
}
