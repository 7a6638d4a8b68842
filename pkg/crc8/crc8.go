// Package crc8 implements the CRC-8 checksum (polynomial 0x07, MSB first)
// used to protect sensor payloads on the radio link.
//
// The computation is bitwise and table-free so that it can be reproduced
// byte-for-byte on constrained node firmware.
package crc8

// Poly is the CRC-8/ATM generator polynomial x^8 + x^2 + x + 1.
const Poly byte = 0x07

// Checksum returns the CRC-8 of data with an initial value of zero.
func Checksum(data []byte) byte {
	return Update(0, data)
}

// Update continues a CRC-8 computation from crc over data.
func Update(crc byte, data []byte) byte {
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
