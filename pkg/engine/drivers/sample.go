package drivers

import (
	"encoding/binary"
	"math"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// decode appends the samples of p to dst as float64 in the native range of
// the format.
func decode(dst []float64, p []byte, f domain.FrameFormat) []float64 {
	switch f {
	case domain.FormatS16LE:
		for i := 0; i+2 <= len(p); i += 2 {
			dst = append(dst, float64(int16(binary.LittleEndian.Uint16(p[i:]))))
		}
	case domain.FormatS24LE:
		for i := 0; i+4 <= len(p); i += 4 {
			v := int32(binary.LittleEndian.Uint32(p[i:])<<8) >> 8
			dst = append(dst, float64(v))
		}
	case domain.FormatS32LE:
		for i := 0; i+4 <= len(p); i += 4 {
			dst = append(dst, float64(int32(binary.LittleEndian.Uint32(p[i:]))))
		}
	case domain.FormatFloat32:
		for i := 0; i+4 <= len(p); i += 4 {
			dst = append(dst, float64(math.Float32frombits(binary.LittleEndian.Uint32(p[i:]))))
		}
	}
	return dst
}

// encode writes samples back into p, saturating to the format range.
func encode(p []byte, samples []float64, f domain.FrameFormat) {
	switch f {
	case domain.FormatS16LE:
		for i, v := range samples {
			binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		}
	case domain.FormatS24LE:
		for i, v := range samples {
			s := int32(clamp(v, -(1 << 23), (1<<23)-1))
			binary.LittleEndian.PutUint32(p[i*4:], uint32(s))
		}
	case domain.FormatS32LE:
		for i, v := range samples {
			binary.LittleEndian.PutUint32(p[i*4:], uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
		}
	case domain.FormatFloat32:
		for i, v := range samples {
			binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(float32(v)))
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Round(math.Max(lo, math.Min(hi, v)))
}
