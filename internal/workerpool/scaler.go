package workerpool

import (
	"bufio"
	"log/slog"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// ScalerConfig tunes adaptive concurrency scaling.
type ScalerConfig struct {
	CPUThreshold  float64
	HeapThreshold float64
	// SampleCount consecutive hot samples trigger a throttle step; the same
	// count of cool samples triggers a restore step.
	SampleCount int
	Interval    time.Duration
}

// Scaler samples process utilization and steps worker concurrency limits
// down toward their minimums under sustained pressure, back up when it
// subsides.
type Scaler struct {
	mgr   *Manager
	cfg   ScalerConfig
	log   *slog.Logger
	probe func() (cpu, heap float64)

	hot  int
	cool int
}

// NewScaler builds a Scaler over mgr using /proc CPU accounting and the
// runtime heap.
func NewScaler(mgr *Manager, cfg ScalerConfig, log *slog.Logger) *Scaler {
	if cfg.SampleCount < 1 {
		cfg.SampleCount = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	cpu := &cpuSampler{}
	return &Scaler{
		mgr: mgr,
		cfg: cfg,
		log: log,
		probe: func() (float64, float64) {
			return cpu.percent(), heapFraction()
		},
	}
}

// Run samples until the context ends.
func (s *Scaler) Run(ctx domain.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Scaler) sample() {
	cpu, heap := s.probe()
	if cpu > s.cfg.CPUThreshold || heap > s.cfg.HeapThreshold {
		s.hot++
		s.cool = 0
		if s.hot >= s.cfg.SampleCount {
			s.hot = 0
			s.log.Info("sustained pressure, throttling worker pools",
				slog.Float64("cpu", cpu), slog.Float64("heap", heap))
			s.mgr.throttleAll()
		}
		return
	}
	s.cool++
	s.hot = 0
	if s.cool >= s.cfg.SampleCount {
		s.cool = 0
		s.mgr.restoreAll()
	}
}

// cpuSampler computes busy-time fraction between consecutive reads of the
// aggregate cpu line in /proc/stat. The first read primes the baseline and
// reports zero.
type cpuSampler struct {
	prevBusy  uint64
	prevTotal uint64
}

func (c *cpuSampler) percent() float64 {
	busy, total, ok := readProcStat()
	if !ok {
		return 0
	}
	defer func() {
		c.prevBusy, c.prevTotal = busy, total
	}()
	if c.prevTotal == 0 || total <= c.prevTotal {
		return 0
	}
	return float64(busy-c.prevBusy) / float64(total-c.prevTotal)
}

func readProcStat() (busy, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var values []uint64
		for _, fld := range fields {
			v, err := strconv.ParseUint(fld, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			values = append(values, v)
		}
		if len(values) < 5 {
			return 0, 0, false
		}
		for _, v := range values {
			total += v
		}
		// idle + iowait are the non-busy columns.
		busy = total - values[3] - values[4]
		return busy, total, true
	}
	return 0, 0, false
}

// heapFraction reports live heap bytes against the runtime memory limit,
// falling back to total system memory when no limit is set.
func heapFraction() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		limit = readMemTotal()
	}
	if limit <= 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(limit)
}

func readMemTotal() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
