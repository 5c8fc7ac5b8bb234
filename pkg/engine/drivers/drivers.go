// Package drivers implements the built-in component drivers: host and DAI
// DMA endpoints backed by simulated DMA memory, a volume stage and a mixer.
package drivers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// defaultDMAPeriods is the DMA ring size in periods when not configured.
const defaultDMAPeriods = 4

// Registrar is the part of the engine registry drivers register with.
type Registrar interface {
	Register(d runtime.Driver, aliases ...string)
}

// RegisterDefaults registers every built-in driver and its aliases.
func RegisterDefaults(r Registrar) {
	r.Register(runtime.DriverFunc{Kind: domain.CompHost, New: NewHost}, "host-dma", "pcm")
	r.Register(runtime.DriverFunc{Kind: domain.CompDAI, New: NewDAI}, "ssp", "dmic", "hda-link")
	r.Register(runtime.DriverFunc{Kind: domain.CompVolume, New: NewVolume}, "pga", "gain")
	r.Register(runtime.DriverFunc{Kind: domain.CompMixer, New: NewMixer}, "mix")
}

func checkFormat(id uint32, p *domain.StreamParams) error {
	if p.FrameBytes() == 0 {
		return fmt.Errorf("%w: component %d: unsupported frame format %q with %d channels",
			domain.ErrInvalidArgument, id, p.FrameFmt, p.Channels)
	}
	return nil
}

// alignFrames rounds n down to whole frames.
func alignFrames(n, frameBytes int) int {
	if frameBytes <= 0 {
		return 0
	}
	return n - n%frameBytes
}

func stringFromConfig(config map[string]any, key string) string {
	if value, ok := config[key]; ok {
		if v, ok := value.(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func boolFromConfig(config map[string]any, key string, fallback bool) bool {
	value, ok := config[key]
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return fallback
}

func intFromConfig(config map[string]any, key string) (int, bool) {
	value, ok := config[key]
	if !ok {
		return 0, false
	}
	return toInt(value)
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return parsed, err == nil
	default:
		n, ok := toInt(value)
		return float64(n), ok
	}
}

func dmaPeriods(config map[string]any) int {
	if n, ok := intFromConfig(config, "dma_periods"); ok && n > 0 {
		return n
	}
	return defaultDMAPeriods
}

func bytesArg(data map[string]any, key string) ([]byte, error) {
	switch v := data[key].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: %q must be bytes", domain.ErrInvalidArgument, key)
	}
}
