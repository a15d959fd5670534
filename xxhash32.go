package shuffle

import "encoding/binary"

// xxHash32 algorithm constants. No 32-bit xxHash implementation exists
// anywhere in this project's dependency pack (placement.go's ring uses
// cespare/xxhash/v2, which is 64-bit only), so the bypass-placement hash is
// hand-rolled here with the xxHash round/finalize/avalanche structure on
// 32-bit words.
const (
	prime32_1 = 0x9E3779B1
	prime32_2 = 0x85EBCA77
	prime32_3 = 0xC2B2AE3D
	prime32_4 = 0x27D4EB2F
	prime32_5 = 0x165667B1

	largeInputThreshold32 = 16

	avalanche32Shift1 = 15
	avalanche32Shift2 = 13
	avalanche32Shift3 = 16
)

// xxHash32 computes a 32-bit hash of data with the given seed.
func xxHash32(data []byte, seed uint32) uint32 {
	length := len(data)
	var h32 uint32

	if length >= largeInputThreshold32 {
		h32 = xxHash32Large(data, seed)
	} else {
		h32 = seed + prime32_5
	}
	h32 += uint32(length)

	return xxHash32Finalize(xxHash32Remainder(data, length), h32)
}

// xxHash32Large processes the 16-byte-aligned prefix of data with four
// independent accumulators.
func xxHash32Large(data []byte, seed uint32) uint32 {
	v1 := seed + prime32_1 + prime32_2
	v2 := seed + prime32_2
	v3 := seed
	v4 := seed - prime32_1

	for len(data) >= largeInputThreshold32 {
		v1 = xxHash32Round(v1, binary.LittleEndian.Uint32(data[0:4]))
		v2 = xxHash32Round(v2, binary.LittleEndian.Uint32(data[4:8]))
		v3 = xxHash32Round(v3, binary.LittleEndian.Uint32(data[8:12]))
		v4 = xxHash32Round(v4, binary.LittleEndian.Uint32(data[12:16]))
		data = data[largeInputThreshold32:]
	}

	return rotl32(v1, 1) + rotl32(v2, 7) + rotl32(v3, 12) + rotl32(v4, 18)
}

// xxHash32Remainder returns the tail of data not consumed by
// xxHash32Large's 16-byte chunking.
func xxHash32Remainder(data []byte, length int) []byte {
	if length < largeInputThreshold32 {
		return data
	}
	return data[(length/largeInputThreshold32)*largeInputThreshold32:]
}

// xxHash32Round performs one round of accumulator mixing.
func xxHash32Round(acc, input uint32) uint32 {
	acc += input * prime32_2
	acc = rotl32(acc, 13)
	acc *= prime32_1
	return acc
}

// xxHash32Finalize processes remaining 4-byte and 1-byte chunks, then
// applies the avalanche mix.
func xxHash32Finalize(data []byte, h32 uint32) uint32 {
	for len(data) >= 4 {
		h32 += binary.LittleEndian.Uint32(data[0:4]) * prime32_3
		h32 = rotl32(h32, 17) * prime32_4
		data = data[4:]
	}
	for len(data) > 0 {
		h32 += uint32(data[0]) * prime32_5
		h32 = rotl32(h32, 11) * prime32_1
		data = data[1:]
	}
	return xxHash32Avalanche(h32)
}

// xxHash32Avalanche spreads the final bits so small input changes produce
// large output differences.
func xxHash32Avalanche(h32 uint32) uint32 {
	h32 ^= h32 >> avalanche32Shift1
	h32 *= prime32_2
	h32 ^= h32 >> avalanche32Shift2
	h32 *= prime32_3
	h32 ^= h32 >> avalanche32Shift3
	return h32
}

func rotl32(x uint32, r uint) uint32 {
	return (x << r) | (x >> (32 - r))
}
