package fancontrol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"emcfan/internal/emc2305"
)

var openAlertFn = openAlert

// ErrUnknownOutput is returned by SetDuty when no output channel carries the
// requested identity.
var ErrUnknownOutput = errors.New("fancontrol: unknown output")

type Config struct {
	// UpdateInterval is used when Schedule is empty.
	UpdateInterval time.Duration
	// Schedule is an optional standard cron spec (or @every/@hourly style
	// descriptor) that overrides UpdateInterval.
	Schedule string
	// AlertLine is the GPIO line name wired to ALERT#. Empty disables the
	// watcher.
	AlertLine string
}

type ChannelStatus struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	OutputID  string    `json:"output_id,omitempty"`
	RPMSensor bool      `json:"rpm_sensor"`
	Raw       uint16    `json:"raw"`
	RPM       float64   `json:"rpm"`
	Stalled   bool      `json:"stalled"`
	Duty      float64   `json:"duty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_utc,omitempty"`
}

type FaultStatus struct {
	Status    uint8 `json:"status"`
	Stall     uint8 `json:"stall"`
	Spin      uint8 `json:"spin"`
	DriveFail uint8 `json:"drive_fail"`
}

type Snapshot struct {
	Running  bool            `json:"running"`
	Address  uint16          `json:"address"`
	Schedule string          `json:"schedule"`
	Channels []ChannelStatus `json:"channels"`
	Faults   FaultStatus     `json:"faults"`

	Updates uint64 `json:"updates"`
	Alerts  uint64 `json:"alerts"`

	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Service polls an initialized device on a cron schedule, keeps the latest
// snapshot for the web API and routes duty requests to output channels.
type Service struct {
	dev *emc2305.Device
	cfg Config

	mu   sync.RWMutex
	snap Snapshot

	// updMu serializes update cycles between the scheduler, the alert
	// watcher and UpdateNow callers.
	updMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	sched   *cron.Cron
	alert   io.Closer

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(dev *emc2305.Device, cfg Config) *Service {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 60 * time.Second
	}
	s := &Service{dev: dev, cfg: cfg, stopCh: make(chan struct{})}
	s.snap.Schedule = s.scheduleExpr()
	if dev != nil {
		s.snap.Address = dev.Address()
		s.snap.Channels = channelStatuses(dev.States())
	}
	return s
}

func (s *Service) scheduleExpr() string {
	if s.cfg.Schedule != "" {
		return s.cfg.Schedule
	}
	return "@every " + s.cfg.UpdateInterval.String()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Channels = append([]ChannelStatus(nil), s.snap.Channels...)
	return out
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
}

// Start schedules periodic updates and runs one immediately. It does not
// block; the service stops when ctx is canceled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.dev == nil {
		return fmt.Errorf("fancontrol: service has no device")
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return fmt.Errorf("fancontrol: already started")
	}
	select {
	case <-s.stopCh:
		return fmt.Errorf("fancontrol: service is closed")
	default:
	}

	sched := cron.New()
	if _, err := sched.AddFunc(s.scheduleExpr(), func() { _ = s.UpdateNow() }); err != nil {
		return fmt.Errorf("fancontrol: schedule %q: %w", s.scheduleExpr(), err)
	}

	if s.cfg.AlertLine != "" {
		alertCh := make(chan struct{}, 1)
		closer, err := openAlertFn(s.cfg.AlertLine, func() {
			select {
			case alertCh <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return err
		}
		s.alert = closer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchAlerts(alertCh)
		}()
	}

	s.started = true
	s.sched = sched
	s.setState(func(sn *Snapshot) { sn.Running = true })

	sched.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.UpdateNow()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stopCh:
		}
	}()
	return nil
}

func (s *Service) watchAlerts(alertCh <-chan struct{}) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-alertCh:
			s.setState(func(sn *Snapshot) { sn.Alerts++ })
			log.Printf("fancontrol: ALERT# asserted, sampling now")
			_ = s.UpdateNow()
		}
	}
}

// UpdateNow runs one update cycle: sample every sensor channel, read and
// clear the fault registers, refresh the snapshot.
func (s *Service) UpdateNow() error {
	s.updMu.Lock()
	defer s.updMu.Unlock()

	err := s.dev.Update()
	for _, e := range unjoin(err) {
		log.Printf("fancontrol: %v", e)
	}

	faults, ferr := s.dev.Faults()
	if ferr != nil {
		log.Printf("fancontrol: %v", ferr)
	} else if faults.Any() {
		log.Printf("fancontrol: faults status=0x%02X stall=0x%02X spin=0x%02X drive_fail=0x%02X",
			faults.Status, faults.Stall, faults.Spin, faults.DriveFail)
	}

	all := errors.Join(err, ferr)
	channels := channelStatuses(s.dev.States())
	s.setState(func(sn *Snapshot) {
		sn.Channels = channels
		if ferr == nil {
			sn.Faults = FaultStatus{
				Status:    faults.Status,
				Stall:     faults.Stall,
				Spin:      faults.Spin,
				DriveFail: faults.DriveFail,
			}
		}
		sn.Updates++
		sn.LastUpdateAt = time.Now().UTC()
		sn.LastError = ""
		if all != nil {
			sn.LastError = all.Error()
		}
	})
	return all
}

// SetDuty writes a duty fraction to the output channel registered as
// outputID.
func (s *Service) SetDuty(outputID string, fraction float64) error {
	f, ok := s.dev.Output(outputID)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOutput, outputID)
	}
	if err := s.dev.SetDuty(f.Index(), fraction); err != nil {
		return err
	}
	channels := channelStatuses(s.dev.States())
	s.setState(func(sn *Snapshot) { sn.Channels = channels })
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.lifeMu.Lock()
	sched, alert := s.sched, s.alert
	s.sched, s.alert = nil, nil
	s.lifeMu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	if alert != nil {
		_ = alert.Close()
	}
	s.wg.Wait()
	s.setState(func(sn *Snapshot) { sn.Running = false })
}

func channelStatuses(states []emc2305.FanState) []ChannelStatus {
	out := make([]ChannelStatus, 0, len(states))
	for _, st := range states {
		cs := ChannelStatus{
			Index:     st.Index,
			Name:      st.Name,
			Mode:      st.Mode.String(),
			OutputID:  st.OutputID,
			RPMSensor: st.RPMSensor,
			Raw:       st.Raw,
			RPM:       st.RPM,
			Stalled:   st.Stalled,
			Duty:      st.Duty,
			UpdatedAt: st.UpdatedAt,
		}
		if st.Err != nil {
			cs.LastError = st.Err.Error()
		}
		out = append(out, cs)
	}
	return out
}

func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
