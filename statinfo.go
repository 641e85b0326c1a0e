package bmservice

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProcessStatInfo is a running aggregate folded from delivered
// ProcessStatus values: sample count, per-stage cumulative duration, and
// per-device sample counts (SPEC_FULL.md §3, grounded on the original's
// BMDevicePool.h reporting loop). Spec.md §3 only specifies the
// per-request Status; this is the consumer-side rollup built on top of
// it.
type ProcessStatInfo struct {
	mu sync.Mutex

	samples      uint64
	validSamples uint64
	stageTotal   map[string]time.Duration
	stageCount   map[string]uint64
	perDevice    map[uint32]uint64
}

// NewProcessStatInfo returns an empty aggregate.
func NewProcessStatInfo() *ProcessStatInfo {
	return &ProcessStatInfo{
		stageTotal: make(map[string]time.Duration),
		stageCount: make(map[string]uint64),
		perDevice:  make(map[uint32]uint64),
	}
}

// Fold accumulates one delivered status into the aggregate.
func (s *ProcessStatInfo) Fold(status *ProcessStatus) {
	if status == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples++
	if status.Valid {
		s.validSamples++
	}
	s.perDevice[status.DeviceID]++
	for _, st := range status.Stages {
		s.stageTotal[st.Name] += st.End.Sub(st.Start)
		s.stageCount[st.Name]++
	}
}

// StageAverage is one stage's mean duration across folded samples.
type StageAverage struct {
	Name    string
	Mean    time.Duration
	Samples uint64
}

// DeviceSampleCount is one device's share of folded samples.
type DeviceSampleCount struct {
	DeviceID uint32
	Samples  uint64
}

// Show returns a point-in-time summary: total/valid sample counts, each
// stage's mean duration, and each device's sample share, sorted for
// stable output (original's Show()/operator<<).
func (s *ProcessStatInfo) Show() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "samples=%d valid=%d invalid=%d\n", s.samples, s.validSamples, s.samples-s.validSamples)

	stages := make([]StageAverage, 0, len(s.stageTotal))
	for name, total := range s.stageTotal {
		count := s.stageCount[name]
		var mean time.Duration
		if count > 0 {
			mean = total / time.Duration(count)
		}
		stages = append(stages, StageAverage{Name: name, Mean: mean, Samples: count})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })
	for _, st := range stages {
		fmt.Fprintf(&b, "  stage %-12s avg=%-10s samples=%d\n", st.Name, st.Mean, st.Samples)
	}

	devices := make([]DeviceSampleCount, 0, len(s.perDevice))
	for id, n := range s.perDevice {
		devices = append(devices, DeviceSampleCount{DeviceID: id, Samples: n})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	for _, d := range devices {
		fmt.Fprintf(&b, "  device %-4d samples=%d\n", d.DeviceID, d.Samples)
	}

	return b.String()
}

// Snapshot returns the same data Show() formats, structured for
// programmatic consumption.
func (s *ProcessStatInfo) Snapshot() (stages []StageAverage, devices []DeviceSampleCount, samples, valid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, total := range s.stageTotal {
		count := s.stageCount[name]
		var mean time.Duration
		if count > 0 {
			mean = total / time.Duration(count)
		}
		stages = append(stages, StageAverage{Name: name, Mean: mean, Samples: count})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })

	for id, n := range s.perDevice {
		devices = append(devices, DeviceSampleCount{DeviceID: id, Samples: n})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })

	return stages, devices, s.samples, s.validSamples
}
