package notify

import (
	"errors"
	"testing"
)

type captureNotifier struct {
	calls int
	fail  bool
}

func (c *captureNotifier) Notify(target, event string, payload any) error {
	c.calls++
	if c.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a, b := &captureNotifier{}, &captureNotifier{}
	f := Fanout{a, b}
	if err := f.Notify("u1", EventRideAssigned, nil); err != nil {
		t.Fatal(err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d, %d", a.calls, b.calls)
	}
}

func TestFanout_KeepsGoingPastFailingSink(t *testing.T) {
	a, b := &captureNotifier{fail: true}, &captureNotifier{}
	f := Fanout{a, b}
	err := f.Notify("u1", EventRideAssigned, nil)
	if err == nil {
		t.Fatal("expected the sink error to surface")
	}
	if b.calls != 1 {
		t.Error("second sink skipped after first failed")
	}
}

func TestFanout_EmptyIsNoop(t *testing.T) {
	var f Fanout
	if err := f.Notify("u1", EventRideAssigned, nil); err != nil {
		t.Fatal(err)
	}
}

func TestWSRegistry_NoSession(t *testing.T) {
	r := NewWSRegistry()
	if err := r.Notify("nobody", EventRideAssigned, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}
