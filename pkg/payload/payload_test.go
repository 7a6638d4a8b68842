package payload

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josemorales956/dsn-base-station/pkg/crc8"
)

func TestEncode_WireLayout(t *testing.T) {
	raw := MustEncode(Reading{
		Version:     1,
		NodeID:      2,
		TempC:       21.50,
		HumidityPct: 55.25,
		BatteryMV:   3900,
		StatusFlags: 0,
	})

	require.Len(t, raw, Size)
	base := []byte{0x01, 0x02, 0x66, 0x08, 0x95, 0x15, 0x3C, 0x0F, 0x00}
	assert.Equal(t, base, raw[:BaseSize])
	assert.Equal(t, crc8.Checksum(base), raw[BaseSize])
}

func TestEncode_NegativeTemperature(t *testing.T) {
	raw := MustEncode(Reading{Version: 1, NodeID: 7, TempC: -12.34})

	// -1234 as little-endian two's complement.
	assert.Equal(t, []byte{0x2E, 0xFB}, raw[2:4])

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.InDelta(t, -12.34, got.TempC, 1e-9)
}

func TestEncode_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		temp float64
		want int16
	}{
		{temp: 0.125, want: 13},
		{temp: -0.125, want: -13},
		{temp: 0.004, want: 0},
		{temp: 21.5, want: 2150},
	}

	for _, tt := range tests {
		raw := MustEncode(Reading{TempC: tt.temp})
		got := int16(uint16(raw[2]) | uint16(raw[3])<<8)
		assert.Equal(t, tt.want, got, "temp %v", tt.temp)
	}
}

func TestEncode_RejectsUnpackableValues(t *testing.T) {
	tests := []struct {
		name  string
		in    Reading
		field string
	}{
		{"temp above int16", Reading{TempC: 400}, "temp_c"},
		{"temp below int16", Reading{TempC: -400}, "temp_c"},
		{"temp just above", Reading{TempC: 327.68}, "temp_c"},
		{"temp NaN", Reading{TempC: math.NaN()}, "temp_c"},
		{"temp +Inf", Reading{TempC: math.Inf(1)}, "temp_c"},
		{"temp -Inf", Reading{TempC: math.Inf(-1)}, "temp_c"},
		{"humidity NaN", Reading{HumidityPct: math.NaN()}, "humidity_pct"},
		{"humidity +Inf", Reading{HumidityPct: math.Inf(1)}, "humidity_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.in)
			assert.Nil(t, raw)

			var rangeErr *RangeError
			require.ErrorAs(t, err, &rangeErr)
			assert.Equal(t, tt.field, rangeErr.Field)
			assert.ErrorIs(t, err, ErrOutOfRange)
			assert.NotErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncode_TemperatureBounds(t *testing.T) {
	for _, temp := range []float64{-327.68, 327.67} {
		raw, err := Encode(Reading{TempC: temp})
		require.NoError(t, err, "temp %v", temp)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.InDelta(t, temp, got.TempC, 1e-9)
	}
}

func TestEncode_HumidityWraps(t *testing.T) {
	raw, err := Encode(Reading{HumidityPct: 655.36})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, raw[4:6])
}

func TestDecode_RoundTrip(t *testing.T) {
	in := Reading{
		Version:     3,
		NodeID:      255,
		TempC:       -40.25,
		HumidityPct: 99.99,
		BatteryMV:   65535,
		StatusFlags: 0xA5,
	}

	out, err := Decode(MustEncode(in))
	require.NoError(t, err)

	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.NodeID, out.NodeID)
	assert.InDelta(t, in.TempC, out.TempC, 0.005)
	assert.InDelta(t, in.HumidityPct, out.HumidityPct, 0.005)
	assert.Equal(t, in.BatteryMV, out.BatteryMV)
	assert.Equal(t, in.StatusFlags, out.StatusFlags)
}

func TestDecode_LengthError(t *testing.T) {
	for _, n := range []int{0, 1, 9, 11, 64} {
		_, err := Decode(make([]byte, n))

		var lenErr *LengthError
		require.ErrorAs(t, err, &lenErr, "len %d", n)
		assert.Equal(t, n, lenErr.Got)
		assert.Equal(t, Size, lenErr.Want)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestDecode_ChecksumError(t *testing.T) {
	raw := MustEncode(Reading{Version: 1, NodeID: 2, TempC: 21.5, HumidityPct: 55.25, BatteryMV: 3900})
	want := raw[BaseSize]
	raw[BaseSize]++

	_, err := Decode(raw)

	var crcErr *ChecksumError
	require.ErrorAs(t, err, &crcErr)
	assert.Equal(t, want+1, crcErr.Got)
	assert.Equal(t, want, crcErr.Want)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "crc mismatch")
}

func TestDecode_BitFlipInBody(t *testing.T) {
	raw := MustEncode(Reading{Version: 1, NodeID: 1, TempC: 25, HumidityPct: 40, BatteryMV: 3700})
	raw[2] ^= 0x01

	_, err := Decode(raw)

	var crcErr *ChecksumError
	assert.True(t, errors.As(err, &crcErr))
}

func TestDecode_DoesNotValidateRanges(t *testing.T) {
	base := []byte{0xFF, 0x00, 0x00, 0x80, 0xFF, 0xFF, 0x00, 0x00, 0xFF}
	raw := append(base, crc8.Checksum(base))

	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, uint8(0xFF), got.Version)
	assert.InDelta(t, -327.68, got.TempC, 1e-9)
	assert.InDelta(t, 655.35, got.HumidityPct, 1e-9)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "bad payload length: 3 (expected 10)", (&LengthError{Got: 3, Want: 10}).Error())
	assert.Equal(t, "crc mismatch: got 0x0A, want 0xF4", (&ChecksumError{Got: 0x0A, Want: 0xF4}).Error())
}
