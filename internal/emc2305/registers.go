package emc2305

// Register map from the EMC2305 datasheet (SMSC/Microchip DS20006532).

const (
	// AddressDefault is the strap address with a 10k pull-up on ADDR_SEL (0101_100x).
	AddressDefault = 0x2C

	// MaxFans is the number of PWM/TACH pin pairs on the IC.
	MaxFans = 5

	productID = 0x34
)

const (
	regConfig          = 0x20
	regFanStatus       = 0x24
	regFanStall        = 0x25
	regFanSpin         = 0x26
	regDriveFail       = 0x27
	regFanIntEnable    = 0x29
	regPWMPolarity     = 0x2A
	regPWMOutputConfig = 0x2B
	regPWMBase2        = 0x2C // fans 4-5
	regPWMBase1        = 0x2D // fans 1-3
	regProductID       = 0xFD
)

// Configuration register bits.
const (
	configMask  = 1 << 7
	configDisTO = 1 << 6
	configWdEn  = 1 << 5
	configDreck = 1 << 1
	configUseck = 1 << 0
)

// Per-fan register block.
const (
	fanBlockBase    = 0x30
	fanBlockSpacing = 0x10

	offFanSetting = 0x00
	offPWMDivide  = 0x01
	offFanConfig1 = 0x02
	offTachHigh   = 0x0E
	offTachLow    = 0x0F
)

// Fan Configuration 1 fields.
const (
	fanCfgEnableFSC  = 1 << 7
	fanCfgRangeShift = 5
	fanCfgEdgeShift  = 3

	// RNG=00: 500 RPM minimum, multiplier 1.
	fanCfgRange500 = 0b00
	// UDT=010: 300ms closed-loop update time; unused in direct PWM mode.
	fanCfgUpdate300ms = 0b010
)

const (
	// tachClockHz is the internal TACH measurement clock.
	tachClockHz = 32768

	// tachCountMax is the 13-bit count reported when no edges were seen.
	tachCountMax = 0x1FFF

	pwmMax = 0xFF
)

func fanReg(index int, offset byte) byte {
	return byte(fanBlockBase+(index-1)*fanBlockSpacing) + offset
}

// PWMBase selects the PWM base frequency.
type PWMBase uint8

const (
	PWMBase26kHz  PWMBase = 0b00
	PWMBase19kHz  PWMBase = 0b01
	PWMBase4_9kHz PWMBase = 0b10
	PWMBase2_4kHz PWMBase = 0b11
)

func (b PWMBase) String() string {
	switch b {
	case PWMBase26kHz:
		return "26khz"
	case PWMBase19kHz:
		return "19.5khz"
	case PWMBase4_9kHz:
		return "4.9khz"
	case PWMBase2_4kHz:
		return "2.4khz"
	default:
		return "unknown"
	}
}

// ParsePWMBase accepts the names produced by PWMBase.String.
func ParsePWMBase(s string) (PWMBase, bool) {
	for _, b := range []PWMBase{PWMBase26kHz, PWMBase19kHz, PWMBase4_9kHz, PWMBase2_4kHz} {
		if b.String() == s {
			return b, true
		}
	}
	return 0, false
}

// pwmBaseRegs returns values for the two base-frequency registers with every
// channel set to b. Fans 1-3 use 2-bit fields in PWM Base Frequency 1, fans 4-5
// in PWM Base Frequency 2.
func pwmBaseRegs(b PWMBase) (base1, base2 byte) {
	v := byte(b) & 0b11
	base1 = v | v<<2 | v<<4
	base2 = v | v<<2
	return base1, base2
}
