package emc2305

import (
	"fmt"
	"math"
	"strings"
)

// TachMode is the number of tach pulses a fan emits per revolution. The
// device samples 2*n+1 edges for an n-pulse fan.
type TachMode uint8

const (
	Tach1Pulse TachMode = 0b00
	Tach2Pulse TachMode = 0b01
	Tach3Pulse TachMode = 0b10
	Tach4Pulse TachMode = 0b11
)

// TachModeDefault matches most 4-wire PC fans.
const TachModeDefault = Tach2Pulse

// Pulses returns the pulses per revolution (1..4).
func (m TachMode) Pulses() int { return int(m&0b11) + 1 }

// Edges returns the number of tach edges sampled per measurement (3/5/7/9).
func (m TachMode) Edges() int { return 2*m.Pulses() + 1 }

func (m TachMode) String() string {
	return fmt.Sprintf("%d_PULSE", m.Pulses())
}

// ParseTachMode accepts "1_PULSE".."4_PULSE", case-insensitive.
func ParseTachMode(s string) (TachMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1_PULSE":
		return Tach1Pulse, nil
	case "2_PULSE":
		return Tach2Pulse, nil
	case "3_PULSE":
		return Tach3Pulse, nil
	case "4_PULSE":
		return Tach4Pulse, nil
	}
	return 0, fmt.Errorf("unknown tach mode %q", s)
}

// RawToRPM converts a 13-bit tach count into RPM.
//
// The count is the number of tach clock periods spanning one sample window of
// Edges() edges, which is (Edges()-1)/Pulses() revolutions. The PWM divider
// slows the effective sampling clock:
//
//	RPM = 60 * (32768 / pwmDivider) * ((edges - 1) / pulses) / count
//
// With divider 1 this is the datasheet's 3932160 / count for every mode.
// A zero count or the no-signal sentinel (0x1FFF) is a stopped fan and returns 0.
func RawToRPM(raw uint16, mode TachMode, pwmDivider int) float64 {
	raw &= tachCountMax
	if raw == 0 || raw == tachCountMax {
		return 0
	}
	if pwmDivider < 1 {
		pwmDivider = 1
	}
	rpm := 60 * tachFreq(pwmDivider) * mode.revsPerWindow() / float64(raw)
	if rpm < 0 || math.IsNaN(rpm) || math.IsInf(rpm, 0) {
		return 0
	}
	return rpm
}

// RPMToRaw is the inverse of RawToRPM, rounded to the nearest count and
// saturated to the 13-bit range. Zero or negative RPM maps to the sentinel.
func RPMToRaw(rpm float64, mode TachMode, pwmDivider int) uint16 {
	if rpm <= 0 || math.IsNaN(rpm) {
		return tachCountMax
	}
	if pwmDivider < 1 {
		pwmDivider = 1
	}
	c := math.Round(60 * tachFreq(pwmDivider) * mode.revsPerWindow() / rpm)
	switch {
	case c < 1:
		return 1
	case c >= tachCountMax:
		return tachCountMax
	}
	return uint16(c)
}

func tachFreq(pwmDivider int) float64 {
	return float64(tachClockHz) / float64(pwmDivider)
}

// revsPerWindow is the number of fan revolutions spanned by one sample.
func (m TachMode) revsPerWindow() float64 {
	return float64(m.Edges()-1) / float64(m.Pulses())
}

// decodeTach assembles the count from the TACH reading register pair. The
// high byte carries count bits 12:5 and the low byte bits 4:0 in its top five
// bits.
func decodeTach(high, low byte) uint16 {
	return uint16(high)<<5 | uint16(low)>>3
}

func encodeTach(count uint16) (high, low byte) {
	count &= tachCountMax
	return byte(count >> 5), byte(count&0x1F) << 3
}

const dutySlack = 0.01

// DutyToPWM maps a fraction to the 8-bit Fan Setting value. Values within
// 0.01 outside [0,1] are clamped; anything further out is rejected.
func DutyToPWM(fraction float64) (byte, error) {
	if math.IsNaN(fraction) || fraction < -dutySlack || fraction > 1+dutySlack {
		return 0, fmt.Errorf("%w: %v", ErrDutyOutOfRange, fraction)
	}
	fraction = clampUnit(fraction)
	return byte(math.Round(fraction * pwmMax)), nil
}

// PWMToDuty maps an 8-bit Fan Setting value back to a fraction.
func PWMToDuty(v byte) float64 {
	return float64(v) / pwmMax
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
