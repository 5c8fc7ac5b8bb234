package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// TopologySpec is the YAML form of a topology: pipelines, components,
// buffers and the connections between them.
type TopologySpec struct {
	Version     string           `yaml:"version"`
	Pipelines   []PipelineSpec   `yaml:"pipelines" validate:"required,min=1,dive"`
	Components  []ComponentSpec  `yaml:"components" validate:"required,min=1,dive"`
	Buffers     []BufferSpec     `yaml:"buffers" validate:"dive"`
	Connections []ConnectionSpec `yaml:"connections" validate:"dive"`
}

// PipelineSpec declares a pipeline and the endpoints it is completed with.
type PipelineSpec struct {
	ID             uint32 `yaml:"id" validate:"required"`
	Priority       int    `yaml:"priority" validate:"gte=0"`
	PeriodUS       uint32 `yaml:"period_us" validate:"required,gt=0"`
	Core           int    `yaml:"core" validate:"gte=0"`
	SchedComp      uint32 `yaml:"sched_comp"`
	TimeDomain     string `yaml:"time_domain" validate:"omitempty,oneof=timer dma"`
	FramesPerSched uint32 `yaml:"frames_per_sched"`
	Source         uint32 `yaml:"source" validate:"required"`
	Sink           uint32 `yaml:"sink" validate:"required"`
}

// ComponentSpec declares a component instance.
type ComponentSpec struct {
	ID        uint32         `yaml:"id" validate:"required"`
	Type      string         `yaml:"type" validate:"required"`
	Pipeline  uint32         `yaml:"pipeline" validate:"required"`
	Direction string         `yaml:"direction" validate:"omitempty,oneof=playback capture"`
	Core      int            `yaml:"core" validate:"gte=0"`
	Config    map[string]any `yaml:"config"`
}

// BufferSpec declares a ring buffer edge.
type BufferSpec struct {
	ID       uint32 `yaml:"id" validate:"required"`
	Pipeline uint32 `yaml:"pipeline" validate:"required"`
	Size     int    `yaml:"size" validate:"required,gt=0"`
}

// ConnectionSpec wires source -> buffer -> sink.
type ConnectionSpec struct {
	Source uint32 `yaml:"source" validate:"required"`
	Buffer uint32 `yaml:"buffer" validate:"required"`
	Sink   uint32 `yaml:"sink" validate:"required,nefield=Source"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report yaml names in errors
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (TopologySpec, error) {
	var spec TopologySpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return TopologySpec{}, fmt.Errorf("%w: parse topology: %v", domain.ErrConfigInvalid, err)
	}
	if err := spec.Validate(); err != nil {
		return TopologySpec{}, err
	}
	return spec, nil
}

// Validate checks field constraints, then the references between entries.
func (s TopologySpec) Validate() error {
	if err := getValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		messages := make([]string, 0, len(verrs))
		for _, e := range verrs {
			messages = append(messages, fieldPath(e)+": "+formatValidationError(e))
		}
		return fmt.Errorf("%w: %s", domain.ErrConfigInvalid, strings.Join(messages, "; "))
	}
	if err := s.checkReferences(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}

func (s TopologySpec) checkReferences() error {
	pipelines := make(map[uint32]bool, len(s.Pipelines))
	for _, p := range s.Pipelines {
		if pipelines[p.ID] {
			return fmt.Errorf("duplicate pipeline %d", p.ID)
		}
		pipelines[p.ID] = true
	}

	owner := make(map[uint32]uint32, len(s.Components))
	for _, c := range s.Components {
		if _, dup := owner[c.ID]; dup {
			return fmt.Errorf("duplicate component %d", c.ID)
		}
		if !pipelines[c.Pipeline] {
			return fmt.Errorf("component %d references unknown pipeline %d", c.ID, c.Pipeline)
		}
		owner[c.ID] = c.Pipeline
	}

	buffers := make(map[uint32]bool, len(s.Buffers))
	for _, b := range s.Buffers {
		if buffers[b.ID] {
			return fmt.Errorf("duplicate buffer %d", b.ID)
		}
		if !pipelines[b.Pipeline] {
			return fmt.Errorf("buffer %d references unknown pipeline %d", b.ID, b.Pipeline)
		}
		buffers[b.ID] = true
	}

	wired := make(map[uint32]bool, len(s.Connections))
	for _, conn := range s.Connections {
		if !buffers[conn.Buffer] {
			return fmt.Errorf("connection references unknown buffer %d", conn.Buffer)
		}
		if wired[conn.Buffer] {
			return fmt.Errorf("buffer %d connected twice", conn.Buffer)
		}
		wired[conn.Buffer] = true
		for _, id := range []uint32{conn.Source, conn.Sink} {
			if _, ok := owner[id]; !ok {
				return fmt.Errorf("connection on buffer %d references unknown component %d", conn.Buffer, id)
			}
		}
	}

	for _, p := range s.Pipelines {
		for _, id := range []uint32{p.Source, p.Sink} {
			pid, ok := owner[id]
			if !ok {
				return fmt.Errorf("pipeline %d endpoint %d is not a component", p.ID, id)
			}
			if pid != p.ID {
				return fmt.Errorf("pipeline %d endpoint %d belongs to pipeline %d", p.ID, id, pid)
			}
		}
		if p.SchedComp != 0 {
			if _, ok := owner[p.SchedComp]; !ok {
				return fmt.Errorf("pipeline %d schedules on unknown component %d", p.ID, p.SchedComp)
			}
		}
	}
	return nil
}

func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + e.Param() + " entries"
	case "gt":
		return "must be greater than " + e.Param()
	case "gte":
		return "must be at least " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "nefield":
		return "must differ from " + e.Param()
	default:
		return "is invalid"
	}
}
