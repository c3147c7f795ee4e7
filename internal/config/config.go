package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"emcfan/internal/busio"
	"emcfan/internal/emc2305"
)

type Config struct {
	Bus            BusConfig            `yaml:"bus"`
	Address        uint16               `yaml:"address"`
	UpdateInterval time.Duration        `yaml:"update_interval"`
	Schedule       string               `yaml:"schedule"`
	PWMBase        string               `yaml:"pwm_base"`
	Fans           map[string]FanConfig `yaml:"fans"`
	Alert          AlertConfig          `yaml:"alert"`
	Web            WebConfig            `yaml:"web"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	InfluxDB       InfluxDBConfig       `yaml:"influxdb"`
}

type BusConfig struct {
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	Retries  int           `yaml:"retries"`
	RetryMin time.Duration `yaml:"retry_min"`
	RetryMax time.Duration `yaml:"retry_max"`
	// SimMaxRPM is the full-duty speed of simulated fans (backend sim).
	SimMaxRPM float64 `yaml:"sim_max_rpm"`
}

type FanConfig struct {
	Name       string `yaml:"name"`
	Mode       string `yaml:"mode"`
	RPMSensor  *bool  `yaml:"rpm_sensor"`
	MinRPM     int    `yaml:"min_rpm"`
	TachMode   string `yaml:"tach_mode"`
	PWMDivider int    `yaml:"pwm_divider"`
	OutputID   string `yaml:"output_id"`
	Invert     bool   `yaml:"invert"`
	OpenDrain  bool   `yaml:"open_drain"`
}

type AlertConfig struct {
	Enable bool `yaml:"enable"`
	// Line is the GPIO line name wired to ALERT#, e.g. GPIO17.
	Line string `yaml:"line"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enable bool   `yaml:"enable"`
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = "i2cdev"
	}
	switch cfg.Bus.Backend {
	case "i2cdev", "periph", "sim":
	default:
		return Config{}, fmt.Errorf("bus.backend must be one of i2cdev, periph, sim")
	}
	if cfg.Bus.Backend == "i2cdev" && cfg.Bus.Path == "" {
		cfg.Bus.Path = "/dev/i2c-1"
	}
	if cfg.Bus.Retries < 0 {
		return Config{}, fmt.Errorf("bus.retries must be >= 0")
	}
	if cfg.Bus.RetryMin <= 0 {
		cfg.Bus.RetryMin = 5 * time.Millisecond
	}
	if cfg.Bus.RetryMax <= 0 {
		cfg.Bus.RetryMax = 100 * time.Millisecond
	}

	if cfg.Address == 0 {
		cfg.Address = emc2305.AddressDefault
	}
	if cfg.Address > 0x7F {
		return Config{}, fmt.Errorf("address must be a 7-bit i2c address")
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 60 * time.Second
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return Config{}, fmt.Errorf("schedule: %w", err)
		}
	}
	if cfg.PWMBase == "" {
		cfg.PWMBase = emc2305.PWMBase26kHz.String()
	}
	if _, ok := emc2305.ParsePWMBase(strings.ToLower(cfg.PWMBase)); !ok {
		return Config{}, fmt.Errorf("pwm_base must be one of 26khz, 19.5khz, 4.9khz, 2.4khz")
	}

	if len(cfg.Fans) == 0 {
		return Config{}, fmt.Errorf("fans: at least one of fan1..fan5 is required")
	}
	for key, f := range cfg.Fans {
		if _, err := fanIndex(key); err != nil {
			return Config{}, err
		}
		f, err := fanDefaults(key, f)
		if err != nil {
			return Config{}, err
		}
		cfg.Fans[key] = f
	}

	if cfg.Alert.Enable && cfg.Alert.Line == "" {
		return Config{}, fmt.Errorf("alert.line is required when alert.enable is true")
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.MQTT.Enable && cfg.MQTT.Broker == "" {
		return Config{}, fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "emcfan"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "emcfan"
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return Config{}, fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if cfg.InfluxDB.Enable && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		return Config{}, fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb.enable is true")
	}

	return cfg, nil
}

func fanIndex(key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(key, "fan"))
	if err != nil || !strings.HasPrefix(key, "fan") || n < 1 || n > emc2305.MaxFans {
		return 0, fmt.Errorf("fans.%s: key must be fan1..fan5", key)
	}
	return n, nil
}

// validOutputID reports whether id is usable verbatim as one MQTT topic level
// and as a URL path segment.
func validOutputID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return id != ""
}

func fanDefaults(key string, f FanConfig) (FanConfig, error) {
	if strings.TrimSpace(f.Name) == "" {
		return f, fmt.Errorf("fans.%s.name is required", key)
	}
	if f.Mode == "" {
		f.Mode = emc2305.ModeSensor.String()
	}
	mode, err := emc2305.ParseMode(f.Mode)
	if err != nil {
		return f, fmt.Errorf("fans.%s.mode must be sensor or output", key)
	}
	if mode == emc2305.ModeOutput && f.OutputID == "" {
		return f, fmt.Errorf("fans.%s.output_id is required when mode is output", key)
	}
	if f.OutputID != "" && !validOutputID(f.OutputID) {
		return f, fmt.Errorf("fans.%s.output_id must use only a-z, 0-9, '_', '-' or '.'", key)
	}
	if f.RPMSensor == nil {
		on := mode == emc2305.ModeSensor
		f.RPMSensor = &on
	}
	if f.MinRPM == 0 {
		f.MinRPM = emc2305.MinRPMDefault
	}
	if f.MinRPM < 0 {
		return f, fmt.Errorf("fans.%s.min_rpm must be > 0", key)
	}
	if f.TachMode == "" {
		f.TachMode = emc2305.TachModeDefault.String()
	}
	if _, err := emc2305.ParseTachMode(f.TachMode); err != nil {
		return f, fmt.Errorf("fans.%s.tach_mode must be one of 1_PULSE, 2_PULSE, 3_PULSE, 4_PULSE", key)
	}
	if f.PWMDivider == 0 {
		f.PWMDivider = emc2305.PWMDividerDefault
	}
	if f.PWMDivider < 1 || f.PWMDivider > 255 {
		return f, fmt.Errorf("fans.%s.pwm_divider must be in [1,255]", key)
	}
	return f, nil
}

// Driver converts a loaded Config into the driver's typed configuration,
// ordered by fan index.
func (c Config) Driver() (emc2305.Config, error) {
	base, ok := emc2305.ParsePWMBase(strings.ToLower(c.PWMBase))
	if !ok {
		return emc2305.Config{}, fmt.Errorf("pwm_base %q is not supported", c.PWMBase)
	}
	out := emc2305.Config{Address: c.Address, PWMBase: base}

	keys := make([]string, 0, len(c.Fans))
	for k := range c.Fans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		f := c.Fans[key]
		idx, err := fanIndex(key)
		if err != nil {
			return emc2305.Config{}, err
		}
		mode, err := emc2305.ParseMode(f.Mode)
		if err != nil {
			return emc2305.Config{}, fmt.Errorf("fans.%s: %w", key, err)
		}
		tach, err := emc2305.ParseTachMode(f.TachMode)
		if err != nil {
			return emc2305.Config{}, fmt.Errorf("fans.%s: %w", key, err)
		}
		rpmSensor := mode == emc2305.ModeSensor
		if f.RPMSensor != nil {
			rpmSensor = *f.RPMSensor
		}
		out.Fans = append(out.Fans, emc2305.FanConfig{
			Index:      idx,
			Name:       f.Name,
			Mode:       mode,
			RPMSensor:  rpmSensor,
			MinRPM:     f.MinRPM,
			TachMode:   tach,
			PWMDivider: f.PWMDivider,
			OutputID:   f.OutputID,
			Invert:     f.Invert,
			OpenDrain:  f.OpenDrain,
		})
	}
	return out, out.Validate()
}

// BusIO returns the bus backend settings. The sim backend is placed at the
// configured device address.
func (c Config) BusIO() busio.Config {
	return busio.Config{
		Backend:    c.Bus.Backend,
		Path:       c.Bus.Path,
		Retries:    c.Bus.Retries,
		RetryMin:   c.Bus.RetryMin,
		RetryMax:   c.Bus.RetryMax,
		SimAddress: c.Address,
		SimMaxRPM:  c.Bus.SimMaxRPM,
	}
}
