package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestManager_ClosesInReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	for _, name := range []string{"store", "worker", "server"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	want := []string{"server", "worker", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
}

func TestManager_JoinsErrorsAndClosesOnce(t *testing.T) {
	m := NewManager(zerolog.Nop())
	errA := errors.New("a")
	errB := errors.New("b")
	calls := 0
	m.RegisterFunc("a", func() error { calls++; return errA })
	m.RegisterFunc("b", func() error { calls++; return errB })

	err := m.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err = %v, want both errors", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("closers ran %d times, want 2", calls)
	}
}
