package tensor

import "math"

// Float32ToFloat16 converts a float32 to its IEEE 754 binary16 bit pattern.
// Values outside the fp16 range are clamped to the largest finite value and
// subnormals are flushed to zero, so a checkpoint never picks up NaNs from
// overflow.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	const maxFP16 = 65504.0
	const minNormalFP16 = 6.10351562e-5

	if f > maxFP16 {
		f = maxFP16
	} else if f < -maxFP16 {
		f = -maxFP16
	}

	abs := f
	if abs < 0 {
		abs = -abs
	}
	if abs < minNormalFP16 {
		if math.Signbit(float64(f)) {
			return 0x8000
		}
		return 0
	}

	bits := math.Float32bits(f)
	sign := (bits >> 16) & 0x8000
	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := (bits >> 13) & 0x3FF

	if exp >= 0x1F {
		return uint16(sign | 0x7BFF)
	}
	if exp <= 0 {
		return uint16(sign)
	}
	return uint16(sign | (uint32(exp) << 10) | frac)
}

// Float16ToFloat32 expands an fp16 bit pattern back to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := (uint32(h) >> 15) & 1
	exp := (uint32(h) >> 10) & 0x1F
	frac := uint32(h) & 0x3FF

	if exp == 0 {
		if sign == 1 {
			return float32(math.Copysign(0, -1))
		}
		return 0
	}
	if exp == 31 {
		return math.Float32frombits((sign << 31) | (0xFF << 23) | (frac << 13))
	}

	newExp := exp - 15 + 127
	return math.Float32frombits((sign << 31) | (newExp << 23) | (frac << 13))
}
