package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for the worker process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessSampler records resource usage of the worker process each poll.
// The gopsutil handle is kept across samples of the same pid so CPU percent
// is measured between consecutive samples.
type ProcessSampler struct {
	worker string

	mu   sync.Mutex
	proc *process.Process
	last ProcessMetrics

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessSampler(worker string) *ProcessSampler {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"worker"})
	}
	return &ProcessSampler{
		worker:     worker,
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker in MB."),
		numThreads: gauge("num_threads", "Number of threads of the worker."),
		numFDs:     gauge("num_fds", "Open file descriptors of the worker (Unix only)."),
	}
}

// RegisterMetrics registers the sampler's gauges with the provided registerer.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Sample measures pid and updates the gauges. A pid of 0 clears them.
func (s *ProcessSampler) Sample(ctx context.Context, pid int) (ProcessMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid <= 0 {
		s.proc = nil
		s.last = ProcessMetrics{}
		s.set(ProcessMetrics{})
		return ProcessMetrics{}, nil
	}
	if s.proc == nil || s.proc.Pid != int32(pid) {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
	}
	p := s.proc

	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "worker", s.worker, "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	m := ProcessMetrics{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = fds
		}
	}
	s.last = m
	s.set(m)
	return m, nil
}

// Last returns the most recent sample.
func (s *ProcessSampler) Last() ProcessMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *ProcessSampler) set(m ProcessMetrics) {
	s.cpuPercent.WithLabelValues(s.worker).Set(m.CPUPercent)
	s.memoryMB.WithLabelValues(s.worker).Set(m.MemoryMB)
	s.numThreads.WithLabelValues(s.worker).Set(float64(m.NumThreads))
	s.numFDs.WithLabelValues(s.worker).Set(float64(m.NumFDs))
}
