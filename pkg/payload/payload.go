// Package payload encodes and decodes the fixed-size sensor payload carried
// in every uplink.
//
// Wire layout (10 bytes, little endian):
//
//	0    version        uint8
//	1    node id        uint8
//	2-3  temp x100      int16
//	4-5  humidity x100  uint16
//	6-7  battery mV     uint16
//	8    status flags   uint8
//	9    crc8           uint8, over bytes 0..8
//
// Decode performs integrity checks only. Value ranges and version
// compatibility are left to callers.
package payload

import (
	"encoding/binary"
	"math"

	"github.com/josemorales956/dsn-base-station/pkg/crc8"
)

const (
	// Size is the total wire size of a payload.
	Size = 10
	// BaseSize is the number of bytes covered by the checksum.
	BaseSize = Size - 1

	// DefaultVersion is the payload format version emitted by current firmware.
	DefaultVersion uint8 = 1
)

// Reading is a decoded sensor payload.
type Reading struct {
	Version     uint8   `json:"payload_version"`
	NodeID      uint8   `json:"node_id"`
	TempC       float64 `json:"temp_c"`
	HumidityPct float64 `json:"humidity_pct"`
	BatteryMV   uint16  `json:"battery_mv"`
	StatusFlags uint8   `json:"status_flags"`
}

// Encode packs r into its 10-byte wire form.
//
// Temperature and humidity are converted to hundredths with round half
// away from zero. Temperature must fit int16 hundredths and is never
// wrapped; humidity wraps to 16 bits as node firmware does. Non-finite
// values are rejected. Errors are *RangeError.
func Encode(r Reading) ([]byte, error) {
	temp, err := toFixed("temp_c", r.TempC)
	if err != nil {
		return nil, err
	}
	if temp < math.MinInt16 || temp > math.MaxInt16 {
		return nil, &RangeError{Field: "temp_c", Value: r.TempC}
	}
	humidity, err := toFixed("humidity_pct", r.HumidityPct)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, Size)
	buf[0] = r.Version
	buf[1] = r.NodeID
	binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(temp)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(humidity&0xFFFF))
	binary.LittleEndian.PutUint16(buf[6:8], r.BatteryMV)
	buf[8] = r.StatusFlags
	buf[9] = crc8.Checksum(buf[:BaseSize])
	return buf, nil
}

// MustEncode is Encode for readings known to be in range. It panics on
// error.
func MustEncode(r Reading) []byte {
	raw, err := Encode(r)
	if err != nil {
		panic(err)
	}
	return raw
}

// Decode validates and unpacks a raw payload. It returns a *LengthError
// when raw is not exactly Size bytes and a *ChecksumError when the
// trailing byte does not match the CRC-8 of the preceding bytes.
func Decode(raw []byte) (Reading, error) {
	if len(raw) != Size {
		return Reading{}, &LengthError{Got: len(raw), Want: Size}
	}

	base, got := raw[:BaseSize], raw[BaseSize]
	if want := crc8.Checksum(base); got != want {
		return Reading{}, &ChecksumError{Got: got, Want: want}
	}

	return Reading{
		Version:     base[0],
		NodeID:      base[1],
		TempC:       float64(int16(binary.LittleEndian.Uint16(base[2:4]))) / 100.0,
		HumidityPct: float64(binary.LittleEndian.Uint16(base[4:6])) / 100.0,
		BatteryMV:   binary.LittleEndian.Uint16(base[6:8]),
		StatusFlags: base[8],
	}, nil
}

// toFixed converts v to hundredths.
func toFixed(field string, v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &RangeError{Field: field, Value: v}
	}
	return int64(math.Round(v * 100)), nil
}
