package busio

import (
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	failures int
	calls    int
}

func (f *flakyBus) Tx(addr uint16, w, r []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("nack")
	}
	return nil
}

func (f *flakyBus) Close() error { return nil }

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	old := sleep
	sleep = func(d time.Duration) { slept = append(slept, d) }
	t.Cleanup(func() { sleep = old })
	return &slept
}

func TestWithRetry_RecoversAfterFailures(t *testing.T) {
	slept := stubSleep(t)
	fb := &flakyBus{failures: 2}
	b := WithRetry(fb, 3, time.Millisecond, 10*time.Millisecond)

	if err := b.Tx(0x2C, []byte{0xFD}, make([]byte, 1)); err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if fb.calls != 3 {
		t.Fatalf("calls=%d want 3", fb.calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps=%d want 2", len(*slept))
	}
	if (*slept)[1] <= (*slept)[0] {
		t.Fatalf("backoff did not grow: %v", *slept)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	stubSleep(t)
	fb := &flakyBus{failures: 100}
	b := WithRetry(fb, 2, time.Millisecond, time.Millisecond)

	if err := b.Tx(0x2C, []byte{0xFD}, nil); err == nil {
		t.Fatalf("expected error")
	}
	if fb.calls != 3 {
		t.Fatalf("calls=%d want 3", fb.calls)
	}
}

func TestOpen_Sim(t *testing.T) {
	b, err := Open(Config{Backend: BackendSim})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	r := make([]byte, 1)
	if err := b.Tx(0x2C, []byte{0xFD}, r); err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if r[0] != 0x34 {
		t.Fatalf("product id=0x%02X want 0x34", r[0])
	}
}

func TestOpen_DefaultsToI2CDevAndWrapsRetry(t *testing.T) {
	var gotPath string
	fb := &flakyBus{failures: 1}
	old := openI2CDevFn
	openI2CDevFn = func(path string) (Bus, error) {
		gotPath = path
		return fb, nil
	}
	t.Cleanup(func() { openI2CDevFn = old })
	stubSleep(t)

	b, err := Open(Config{Path: "/dev/i2c-7", Retries: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotPath != "/dev/i2c-7" {
		t.Fatalf("path=%q", gotPath)
	}
	if err := b.Tx(0x2C, []byte{0}, nil); err != nil {
		t.Fatalf("Tx through retry: %v", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "spi"}); err == nil {
		t.Fatalf("expected error")
	}
}
