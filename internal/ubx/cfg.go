package ubx

import (
	"encoding/binary"
	"fmt"
)

// TimeRef selects the time base the measurement rate is aligned to.
type TimeRef uint16

const (
	TimeRefUTC TimeRef = 0
	TimeRefGPS TimeRef = 1
)

func (t TimeRef) String() string {
	switch t {
	case TimeRefUTC:
		return "utc"
	case TimeRefGPS:
		return "gps"
	default:
		return fmt.Sprintf("timeref(%d)", uint16(t))
	}
}

// CfgRate is the 6-byte CFG-RATE payload.
type CfgRate struct {
	MeasRateMs uint16
	NavRate    uint16
	TimeRef    TimeRef
}

const cfgRateLen = 6

func (c CfgRate) Payload() []byte {
	b := make([]byte, cfgRateLen)
	binary.LittleEndian.PutUint16(b[0:], c.MeasRateMs)
	binary.LittleEndian.PutUint16(b[2:], c.NavRate)
	binary.LittleEndian.PutUint16(b[4:], uint16(c.TimeRef))
	return b
}

func ParseCfgRate(p []byte) (CfgRate, error) {
	if len(p) != cfgRateLen {
		return CfgRate{}, fmt.Errorf("%w: CFG-RATE wants %d bytes, got %d", ErrBadPayload, cfgRateLen, len(p))
	}
	return CfgRate{
		MeasRateMs: binary.LittleEndian.Uint16(p[0:]),
		NavRate:    binary.LittleEndian.Uint16(p[2:]),
		TimeRef:    TimeRef(binary.LittleEndian.Uint16(p[4:])),
	}, nil
}

// Device masks for CFG-CFG.
const (
	DeviceBBR      = 0x01
	DeviceFlash    = 0x02
	DeviceEEPROM   = 0x04
	DeviceSPIFlash = 0x10
)

// CfgCfg is the 13-byte CFG-CFG payload (clear/save/load masks + device mask).
type CfgCfg struct {
	ClearMask  uint32
	SaveMask   uint32
	LoadMask   uint32
	DeviceMask byte
}

func (c CfgCfg) Payload() []byte {
	b := make([]byte, 13)
	binary.LittleEndian.PutUint32(b[0:], c.ClearMask)
	binary.LittleEndian.PutUint32(b[4:], c.SaveMask)
	binary.LittleEndian.PutUint32(b[8:], c.LoadMask)
	b[12] = c.DeviceMask
	return b
}

// SaveAll persists the current configuration to every non-volatile bank.
func SaveAll() CfgCfg {
	return CfgCfg{SaveMask: 0xFFFF, DeviceMask: DeviceBBR | DeviceFlash | DeviceEEPROM | DeviceSPIFlash}
}

// FactoryDefaults clears the stored configuration and reloads defaults.
func FactoryDefaults() CfgCfg {
	return CfgCfg{ClearMask: 0xFFFF, LoadMask: 0xFFFF, DeviceMask: DeviceBBR | DeviceFlash | DeviceEEPROM}
}
