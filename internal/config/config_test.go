package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"emcfan/internal/busio"
	"emcfan/internal/emc2305"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_RequiresFans(t *testing.T) {
	path := writeTempConfig(t, "address: 0x2C\n")
	_, err := Load(path)
	requireErrEq(t, err, "fans: at least one of fan1..fan5 is required")
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "fans:\n  fan1:\n    name: cpu\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Bus.Backend != "i2cdev" || cfg.Bus.Path != "/dev/i2c-1" {
		t.Fatalf("bus=%+v want i2cdev on /dev/i2c-1", cfg.Bus)
	}
	if cfg.Address != emc2305.AddressDefault {
		t.Fatalf("address=0x%X want 0x%X", cfg.Address, emc2305.AddressDefault)
	}
	if cfg.UpdateInterval != 60*time.Second {
		t.Fatalf("update_interval=%s want 60s", cfg.UpdateInterval)
	}
	if cfg.PWMBase != "26khz" {
		t.Fatalf("pwm_base=%q want 26khz", cfg.PWMBase)
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("web.listen=%q want :8080", cfg.Web.Listen)
	}
	if cfg.MQTT.TopicPrefix != "emcfan" {
		t.Fatalf("mqtt.topic_prefix=%q want emcfan", cfg.MQTT.TopicPrefix)
	}

	f := cfg.Fans["fan1"]
	if f.Mode != "sensor" || f.RPMSensor == nil || !*f.RPMSensor {
		t.Fatalf("fan1=%+v want sensor with rpm_sensor on", f)
	}
	if f.MinRPM != 100 || f.PWMDivider != 1 || f.TachMode != "2_PULSE" {
		t.Fatalf("fan1=%+v want min_rpm=100 pwm_divider=1 tach_mode=2_PULSE", f)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad fan key",
			yaml: "fans:\n  fan6:\n    name: x\n",
			want: "fans.fan6: key must be fan1..fan5",
		},
		{
			name: "missing name",
			yaml: "fans:\n  fan2: {mode: sensor}\n",
			want: "fans.fan2.name is required",
		},
		{
			name: "bad mode",
			yaml: "fans:\n  fan1: {name: a, mode: pump}\n",
			want: "fans.fan1.mode must be sensor or output",
		},
		{
			name: "output without id",
			yaml: "fans:\n  fan1: {name: a, mode: output}\n",
			want: "fans.fan1.output_id is required when mode is output",
		},
		{
			name: "output id spans topic levels",
			yaml: "fans:\n  fan1: {name: a, mode: output, output_id: rack/pump}\n",
			want: "fans.fan1.output_id must use only a-z, 0-9, '_', '-' or '.'",
		},
		{
			name: "output id with wildcard",
			yaml: "fans:\n  fan1: {name: a, mode: output, output_id: 'pump+'}\n",
			want: "fans.fan1.output_id must use only a-z, 0-9, '_', '-' or '.'",
		},
		{
			name: "output id not lowercase",
			yaml: "fans:\n  fan1: {name: a, mode: output, output_id: Pump}\n",
			want: "fans.fan1.output_id must use only a-z, 0-9, '_', '-' or '.'",
		},
		{
			name: "negative min rpm",
			yaml: "fans:\n  fan1: {name: a, min_rpm: -5}\n",
			want: "fans.fan1.min_rpm must be > 0",
		},
		{
			name: "bad tach mode",
			yaml: "fans:\n  fan1: {name: a, tach_mode: 5_PULSE}\n",
			want: "fans.fan1.tach_mode must be one of 1_PULSE, 2_PULSE, 3_PULSE, 4_PULSE",
		},
		{
			name: "divider too large",
			yaml: "fans:\n  fan3: {name: a, pwm_divider: 300}\n",
			want: "fans.fan3.pwm_divider must be in [1,255]",
		},
		{
			name: "bad backend",
			yaml: "bus: {backend: spi}\nfans:\n  fan1: {name: a}\n",
			want: "bus.backend must be one of i2cdev, periph, sim",
		},
		{
			name: "bad pwm base",
			yaml: "pwm_base: 100khz\nfans:\n  fan1: {name: a}\n",
			want: "pwm_base must be one of 26khz, 19.5khz, 4.9khz, 2.4khz",
		},
		{
			name: "address too wide",
			yaml: "address: 0x80\nfans:\n  fan1: {name: a}\n",
			want: "address must be a 7-bit i2c address",
		},
		{
			name: "alert without line",
			yaml: "alert: {enable: true}\nfans:\n  fan1: {name: a}\n",
			want: "alert.line is required when alert.enable is true",
		},
		{
			name: "mqtt without broker",
			yaml: "mqtt: {enable: true}\nfans:\n  fan1: {name: a}\n",
			want: "mqtt.broker is required when mqtt.enable is true",
		},
		{
			name: "influx without bucket",
			yaml: "influxdb: {enable: true, url: 'http://localhost:8086'}\nfans:\n  fan1: {name: a}\n",
			want: "influxdb.url and influxdb.bucket are required when influxdb.enable is true",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestParse_BadSchedule(t *testing.T) {
	_, err := Parse([]byte("schedule: 'not a cron'\nfans:\n  fan1: {name: a}\n"))
	if err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestParse_Schedule(t *testing.T) {
	cfg, err := Parse([]byte("schedule: '*/5 * * * *'\nfans:\n  fan1: {name: a}\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Schedule != "*/5 * * * *" {
		t.Fatalf("schedule=%q", cfg.Schedule)
	}
}

func TestDriver_Conversion(t *testing.T) {
	cfg, err := Parse([]byte(`
address: 0x2D
pwm_base: 4.9khz
fans:
  fan3:
    name: case
    tach_mode: 4_PULSE
    min_rpm: 250
  fan1:
    name: cpu
    pwm_divider: 2
  fan2:
    name: pump
    mode: output
    output_id: pump
    invert: true
    open_drain: true
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	got, err := cfg.Driver()
	if err != nil {
		t.Fatalf("Driver() error: %v", err)
	}

	want := emc2305.Config{
		Address: 0x2D,
		PWMBase: emc2305.PWMBase4_9kHz,
		Fans: []emc2305.FanConfig{
			{Index: 1, Name: "cpu", Mode: emc2305.ModeSensor, RPMSensor: true, MinRPM: 100, TachMode: emc2305.Tach2Pulse, PWMDivider: 2},
			{Index: 2, Name: "pump", Mode: emc2305.ModeOutput, RPMSensor: false, MinRPM: 100, TachMode: emc2305.Tach2Pulse, PWMDivider: 1, OutputID: "pump", Invert: true, OpenDrain: true},
			{Index: 3, Name: "case", Mode: emc2305.ModeSensor, RPMSensor: true, MinRPM: 250, TachMode: emc2305.Tach4Pulse, PWMDivider: 1},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Driver() mismatch (-want +got):\n%s", diff)
	}
}

func TestDriver_RPMSensorOverride(t *testing.T) {
	cfg, err := Parse([]byte("fans:\n  fan1: {name: a, rpm_sensor: false}\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	got, err := cfg.Driver()
	if err != nil {
		t.Fatalf("Driver() error: %v", err)
	}
	if got.Fans[0].RPMSensor {
		t.Fatalf("rpm_sensor=true want false")
	}
}

func TestBusIO(t *testing.T) {
	cfg, err := Parse([]byte("bus: {backend: sim, retries: 2, sim_max_rpm: 2400}\naddress: 0x2E\nfans:\n  fan1: {name: a}\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := busio.Config{
		Backend:    "sim",
		Retries:    2,
		RetryMin:   5 * time.Millisecond,
		RetryMax:   100 * time.Millisecond,
		SimAddress: 0x2E,
		SimMaxRPM:  2400,
	}
	if diff := cmp.Diff(want, cfg.BusIO()); diff != "" {
		t.Fatalf("BusIO() mismatch (-want +got):\n%s", diff)
	}
}
