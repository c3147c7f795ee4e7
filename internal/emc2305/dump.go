package emc2305

import (
	"errors"
	"fmt"
	"io"
)

// RegisterValue is one named register read by ReadRegisters.
type RegisterValue struct {
	Name  string
	Reg   byte
	Value byte
}

var globalRegs = []struct {
	name string
	reg  byte
}{
	{"config", regConfig},
	{"fan_int_enable", regFanIntEnable},
	{"pwm_polarity", regPWMPolarity},
	{"pwm_output_config", regPWMOutputConfig},
	{"pwm_base2", regPWMBase2},
	{"pwm_base1", regPWMBase1},
	{"product_id", regProductID},
}

var fanRegs = []struct {
	name string
	off  byte
}{
	{"setting", offFanSetting},
	{"pwm_divide", offPWMDivide},
	{"config1", offFanConfig1},
	{"tach_high", offTachHigh},
	{"tach_low", offTachLow},
}

// ReadRegisters reads the global configuration registers and every fan
// block. The latched status registers are skipped so that reading does not
// clear faults.
func ReadRegisters(tr *Transport) ([]RegisterValue, error) {
	out := make([]RegisterValue, 0, len(globalRegs)+MaxFans*len(fanRegs))
	for _, g := range globalRegs {
		v, err := tr.ReadRegister(g.reg)
		if err != nil {
			return out, err
		}
		out = append(out, RegisterValue{Name: g.name, Reg: g.reg, Value: v})
	}
	for i := 1; i <= MaxFans; i++ {
		for _, f := range fanRegs {
			reg := fanReg(i, f.off)
			v, err := tr.ReadRegister(reg)
			if err != nil {
				return out, err
			}
			out = append(out, RegisterValue{Name: fmt.Sprintf("fan%d_%s", i, f.name), Reg: reg, Value: v})
		}
	}
	return out, nil
}

// Dump writes the device configuration with each channel's duty read back
// from its Fan Setting register. A failed readback is reported as "?" and
// included in the returned error.
func (d *Device) Dump(w io.Writer) error {
	var errs []error
	if _, err := fmt.Fprintf(w, "EMC2305 address=0x%02X pwm_base=%s\n", d.Address(), d.pwmBase); err != nil {
		return err
	}
	for _, st := range d.States() {
		pwm := "?"
		duty, err := d.DutyReadback(st.Index)
		if err != nil {
			errs = append(errs, err)
		} else {
			pwm = fmt.Sprintf("%.1f%%", duty*100)
		}

		line := fmt.Sprintf("  fan%d name=%q mode=%s", st.Index, st.Name, st.Mode)
		if st.Mode == ModeOutput {
			line += fmt.Sprintf(" output_id=%s", st.OutputID)
		} else {
			line += fmt.Sprintf(" rpm_sensor=%t min_rpm=%d tach_mode=%s", st.RPMSensor, st.MinRPM, st.TachMode)
		}
		line += fmt.Sprintf(" pwm_divider=%d pwm=%s\n", st.PWMDivider, pwm)
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}
