package sink

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"emcfan/internal/emc2305"
)

type captureSink struct{ got []emc2305.Reading }

func (c *captureSink) PublishRPM(r emc2305.Reading) { c.got = append(c.got, r) }

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	r := emc2305.Reading{Channel: 2, Name: "b", RPM: 900}

	Multi{a, nil, b}.PublishRPM(r)

	if diff := cmp.Diff([]emc2305.Reading{r}, a.got); diff != "" {
		t.Fatalf("a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]emc2305.Reading{r}, b.got); diff != "" {
		t.Fatalf("b (-want +got):\n%s", diff)
	}
}

func TestTopicSegment(t *testing.T) {
	tests := map[string]string{
		"Intake Fan": "intake_fan",
		"a/b":        "a_b",
		"x+#":        "x__",
		" cpu ":      "cpu",
	}
	for in, want := range tests {
		if got := topicSegment(in); got != want {
			t.Fatalf("topicSegment(%q)=%q want %q", in, got, want)
		}
	}
}

func TestOutputFromTopic_MatchesRPMTopicLevel(t *testing.T) {
	// Output ids accepted by config are already single topic levels, so the
	// duty topic and the rpm topic agree on the segment.
	m := &MQTT{prefix: "emcfan"}
	for _, id := range []string{"pump", "exhaust_speed", "rack-1.fan"} {
		if seg := topicSegment(id); seg != id {
			t.Fatalf("topicSegment(%q)=%q", id, seg)
		}
		rpm := m.rpmTopic(id)
		duty := strings.TrimSuffix(rpm, "/rpm") + "/duty/set"
		got, ok := outputFromTopic(m.prefix, duty)
		if !ok || got != id {
			t.Fatalf("outputFromTopic(%q)=%q,%v want %q", duty, got, ok, id)
		}
	}
}

func TestOutputFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"emcfan/exhaust/duty/set", "exhaust", true},
		{"emcfan//duty/set", "", false},
		{"emcfan/a/b/duty/set", "", false},
		{"other/exhaust/duty/set", "", false},
		{"emcfan/exhaust/rpm", "", false},
	}
	for _, tt := range tests {
		id, ok := outputFromTopic("emcfan", tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Fatalf("outputFromTopic(%q)=%q,%v want %q,%v", tt.topic, id, ok, tt.id, tt.ok)
		}
	}
}

func TestParseDuty(t *testing.T) {
	for in, want := range map[string]float64{"0.5": 0.5, " 1 ": 1, `{"duty":0.25}`: 0.25} {
		got, err := parseDuty([]byte(in))
		if err != nil || got != want {
			t.Fatalf("parseDuty(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"", "half", `{"speed":1}`, `{bad`} {
		if _, err := parseDuty([]byte(in)); err == nil {
			t.Fatalf("parseDuty(%q) expected error", in)
		}
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type dutyCall struct {
	ID   string
	Duty float64
}

type fakeDutySetter struct {
	calls []dutyCall
	err   error
}

func (f *fakeDutySetter) SetDuty(id string, fraction float64) error {
	f.calls = append(f.calls, dutyCall{ID: id, Duty: fraction})
	return f.err
}

func TestMQTTHandleDuty(t *testing.T) {
	m := &MQTT{prefix: "emcfan"}
	ds := &fakeDutySetter{}

	m.handleDuty(ds, fakeMessage{topic: "emcfan/exhaust/duty/set", payload: []byte("0.75")})
	m.handleDuty(ds, fakeMessage{topic: "emcfan/exhaust/duty/set", payload: []byte("nope")})
	m.handleDuty(ds, fakeMessage{topic: "emcfan/exhaust/rpm", payload: []byte("0.1")})

	ds.err = errors.New("out of range")
	m.handleDuty(ds, fakeMessage{topic: "emcfan/pump/duty/set", payload: []byte(`{"duty":2}`)})

	want := []dutyCall{{ID: "exhaust", Duty: 0.75}, {ID: "pump", Duty: 2}}
	if diff := cmp.Diff(want, ds.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestMQTTRPMTopic(t *testing.T) {
	m := &MQTT{prefix: "lab/rack1"}
	if got := m.rpmTopic("Intake Fan"); got != "lab/rack1/intake_fan/rpm" {
		t.Fatalf("topic=%q", got)
	}
}

func TestNewFanPoint(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := newFanPoint(emc2305.Reading{Channel: 3, Name: "exhaust", Raw: 819, RPM: 1200.5, Stalled: true, At: at})

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{"fan,", "channel=3", "name=exhaust", "raw=819i", "rpm=1200.5", "stalled=true", " 1767323045"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line=%q missing %q", line, want)
		}
	}
}
