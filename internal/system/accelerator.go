package system

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AcceleratorSample is one line of the streaming accelerator sampler.
// Fractions are in [0,1]; nil means the field was absent.
type AcceleratorSample struct {
	GPUFraction  *float64
	PerfFraction *float64
	EffFraction  *float64
	PowerWatts   *float64
	Temperature  *float64
}

type acceleratorLine struct {
	GPUUsage  []float64 `json:"gpu_usage"`
	PCPUUsage []float64 `json:"pcpu_usage"`
	ECPUUsage []float64 `json:"ecpu_usage"`
	ANEPower  *float64  `json:"ane_power"`
	Temp      struct {
		CPUTempAvg *float64 `json:"cpu_temp_avg"`
		GPUTempAvg *float64 `json:"gpu_temp_avg"`
	} `json:"temp"`
}

// ParseAcceleratorLine decodes one structured sample. Usage pairs are
// [frequency-or-count, fraction].
func ParseAcceleratorLine(line string) (AcceleratorSample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return AcceleratorSample{}, ErrNoOutput
	}
	var raw acceleratorLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return AcceleratorSample{}, fmt.Errorf("decode accelerator sample: %w", err)
	}
	s := AcceleratorSample{
		GPUFraction:  pairFraction(raw.GPUUsage),
		PerfFraction: pairFraction(raw.PCPUUsage),
		EffFraction:  pairFraction(raw.ECPUUsage),
		PowerWatts:   raw.ANEPower,
		Temperature:  raw.Temp.GPUTempAvg,
	}
	if s.Temperature == nil {
		s.Temperature = raw.Temp.CPUTempAvg
	}
	if s.GPUFraction == nil && s.PerfFraction == nil && s.EffFraction == nil {
		return AcceleratorSample{}, fmt.Errorf("accelerator sample has no usage fields")
	}
	return s, nil
}

func pairFraction(pair []float64) *float64 {
	if len(pair) < 2 {
		return nil
	}
	v := clampFraction(pair[1])
	return &v
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
