package cpu

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	interval = time.Millisecond * 500

	procStat = "/proc/stat"
	cpuMax   = "/sys/fs/cgroup/cpu.max"
)

var (
	usage    uint64
	stats    CPU
	initOnce sync.Once
)

var ErrNoSample = errors.New("cpu: need two samples to compute usage")

type CPU interface {
	Usage() (uint64, error)
	Info() Info
}

// procCPU derives usage from the aggregate line of /proc/stat.
type procCPU struct {
	path  string
	cores uint64
	quota float64

	mu        sync.Mutex
	preIdle   uint64
	preTotal  uint64
	hasSample bool
}

func newProcCPU(statPath, maxPath string) *procCPU {
	return &procCPU{
		path:  statPath,
		cores: uint64(runtime.NumCPU()),
		quota: readQuota(maxPath),
	}
}

// Usage returns the busy share of cpu time since the previous call, in
// permille.
func (c *procCPU) Usage() (uint64, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return 0, errors.Wrap(err, "open cpu stat")
	}
	defer f.Close()

	idle, total, err := parseStat(f)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	preIdle, preTotal, had := c.preIdle, c.preTotal, c.hasSample
	c.preIdle, c.preTotal, c.hasSample = idle, total, true
	if !had {
		return 0, ErrNoSample
	}
	return usageOf(idle-preIdle, total-preTotal), nil
}

func usageOf(idle, total uint64) uint64 {
	if total == 0 || idle > total {
		return 0
	}
	return (total - idle) * 1000 / total
}

func (c *procCPU) Info() Info {
	return Info{
		Cores: c.cores,
		Quota: c.quota,
	}
}

// parseStat reads the "cpu" line: user nice system idle iowait irq softirq
// steal guest guest_nice. idle includes iowait; guest time is already part
// of user time and is left out of the total.
func parseStat(r io.Reader) (idle, total uint64, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields) < 5 {
			return 0, 0, errors.Errorf("cpu stat: short line %q", sc.Text())
		}
		for i, field := range fields[1:] {
			if i >= 8 {
				break
			}
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return 0, 0, errors.Wrapf(err, "cpu stat field %d", i)
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, errors.Wrap(err, "read cpu stat")
	}
	return 0, 0, errors.New("cpu stat: no cpu line")
}

// readQuota returns the cgroup v2 cpu limit in cores, or 0 when unlimited
// or unknown.
func readQuota(path string) float64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parseQuota(string(b))
}

func parseQuota(s string) float64 {
	fields := strings.Fields(s)
	if len(fields) != 2 || fields[0] == "max" {
		return 0
	}
	quota, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	period, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || period == 0 {
		return 0
	}
	return quota / period
}

// Init starts sampling in the background. Calls after the first are no-ops.
func Init() {
	initOnce.Do(func() {
		stats = newProcCPU(procStat, cpuMax)
		_, _ = stats.Usage()
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for range ticker.C {
				u, err := stats.Usage()
				if err == nil {
					atomic.StoreUint64(&usage, u)
				}
			}
		}()
	})
}

type State struct {
	Usage uint64 // permille
}

type Info struct {
	Cores uint64
	Quota float64 // cores, 0 when unlimited
}

func ReadState(state *State) {
	state.Usage = atomic.LoadUint64(&usage)
}

// GetInfo starts sampling on first use.
func GetInfo() Info {
	Init()
	return stats.Info()
}
