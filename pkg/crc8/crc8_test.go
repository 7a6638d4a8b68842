package crc8

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{name: "empty", data: nil, want: 0x00},
		{name: "single zero", data: []byte{0x00}, want: 0x00},
		{name: "single one", data: []byte{0x01}, want: 0x07},
		{name: "high bit", data: []byte{0x80}, want: 0x89},
		{name: "check string", data: []byte("123456789"), want: 0xF4},
		{name: "all ones", data: []byte{0xFF}, want: 0xF3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Checksum(tt.data))
		})
	}
}

func TestUpdate_Incremental(t *testing.T) {
	data := []byte("123456789")

	crc := Update(0, data[:4])
	crc = Update(crc, data[4:])

	assert.Equal(t, Checksum(data), crc)
}

// Appending the checksum to a message yields a zero remainder, which is
// what lets a receiver validate a frame with a single pass.
func TestChecksum_ResidueIsZero(t *testing.T) {
	data := []byte{0x01, 0x02, 0x66, 0x08, 0x95, 0x15, 0x3C, 0x0F, 0x00}
	framed := append(append([]byte{}, data...), Checksum(data))

	assert.Equal(t, byte(0), Checksum(framed))
}

func TestChecksum_DetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x66, 0x08, 0x95, 0x15, 0x3C, 0x0F, 0x00}
	want := Checksum(data)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte{}, data...)
			corrupted[i] ^= 1 << bit
			assert.NotEqual(t, want, Checksum(corrupted), "flip byte %d bit %d", i, bit)
		}
	}
}
