package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"emcfan/internal/busio"
	"emcfan/internal/config"
	"emcfan/internal/emc2305"
	"emcfan/internal/sink"
	"emcfan/internal/web"
)

const simConfig = `
bus: {backend: sim, sim_max_rpm: 2400}
update_interval: 1h
web: {enable: true, listen: "127.0.0.1:0"}
fans:
  fan1: {name: cpu}
  fan2: {name: pump, mode: output, output_id: pump}
`

func mustParse(t *testing.T, y string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(y))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

type deadBus struct {
	closed bool
}

func (b *deadBus) Tx(addr uint16, w, r []byte) error { return errors.New("no ack") }
func (b *deadBus) Close() error {
	b.closed = true
	return nil
}

func TestRuntime_SimEndToEnd(t *testing.T) {
	served := make(chan http.Handler, 1)
	oldServe := serveWebFn
	serveWebFn = func(ctx context.Context, addr string, h http.Handler) error {
		served <- h
		<-ctx.Done()
		return ctx.Err()
	}
	t.Cleanup(func() { serveWebFn = oldServe })

	rt, err := newRuntime(mustParse(t, simConfig), web.NewLogBuffer(10))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.start(ctx, cancel); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := httptest.NewServer(rt.handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/outputs/pump/duty", "application/json", strings.NewReader(`{"duty":0.5}`))
	if err != nil {
		t.Fatalf("post duty: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}

	duty, err := rt.dev.DutyReadback(2)
	if err != nil {
		t.Fatalf("DutyReadback: %v", err)
	}
	if duty < 0.49 || duty > 0.51 {
		t.Fatalf("pump duty=%v want ~0.5", duty)
	}

	if err := rt.svc.UpdateNow(); err != nil {
		t.Fatalf("UpdateNow: %v", err)
	}
	sresp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer sresp.Body.Close()
	var st web.StatusResponse
	if err := json.NewDecoder(sresp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Channels) != 2 || st.Channels[1].Duty != 0.5 {
		t.Fatalf("channels=%+v", st.Channels)
	}
	if !st.Channels[0].Stalled {
		t.Fatalf("cpu fan at 0%% duty should read stalled")
	}

	select {
	case h := <-served:
		if h == nil {
			t.Fatalf("web server started without a handler")
		}
	case <-time.After(time.Second):
		t.Fatalf("web server not started")
	}
}

func TestNewRuntime_MQTTFailureSkipsBus(t *testing.T) {
	oldMQTT, oldOpen := newMQTTFn, openBusFn
	newMQTTFn = func(sink.MQTTConfig) (*sink.MQTT, error) { return nil, errors.New("connection refused") }
	opened := false
	openBusFn = func(cfg busio.Config) (busio.Bus, error) {
		opened = true
		return oldOpen(cfg)
	}
	t.Cleanup(func() { newMQTTFn, openBusFn = oldMQTT, oldOpen })

	cfg := mustParse(t, simConfig+"mqtt: {enable: true, broker: 'tcp://127.0.0.1:1'}\n")
	if _, err := newRuntime(cfg, nil); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err=%v want connection refused", err)
	}
	if opened {
		t.Fatalf("bus opened after sink failure")
	}
}

func TestNewRuntime_BuildFailureClosesBus(t *testing.T) {
	bus := &deadBus{}
	oldOpen := openBusFn
	openBusFn = func(busio.Config) (busio.Bus, error) { return bus, nil }
	t.Cleanup(func() { openBusFn = oldOpen })

	_, err := newRuntime(mustParse(t, simConfig), nil)
	if !errors.Is(err, emc2305.ErrCommunication) {
		t.Fatalf("err=%v want ErrCommunication", err)
	}
	if !bus.closed {
		t.Fatalf("bus not closed after failed build")
	}
}

func TestRuntime_LogConfig(t *testing.T) {
	rt, err := newRuntime(mustParse(t, simConfig), nil)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()

	var buf bytes.Buffer
	oldOut, oldFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(oldOut)
		log.SetFlags(oldFlags)
	})

	rt.logConfig()
	out := buf.String()
	for _, want := range []string{
		"EMC2305 address=0x2C pwm_base=26khz",
		`fan1 name="cpu" mode=sensor`,
		`fan2 name="pump" mode=output output_id=pump pwm_divider=1 pwm=0.0%`,
		"update schedule=every 1h0m0s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %q:\n%s", want, out)
		}
	}
}
