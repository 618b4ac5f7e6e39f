// Package resource samples the host's current CPU ratio and available
// memory for the admission picker, and mirrors the most
// recent sample through an optional Redis cache so a fleet of orchestrator
// instances can share a consistent view of load.
package resource

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	CPURatio  float64 // running-task CPU usage over the sampling window, in [0,1]
	MemAvail  uint64  // bytes
	SampledAt time.Time
}

// Sampler produces Samples from /proc, falling back to conservative
// defaults on platforms without it (or in tests).
type Sampler struct {
	mu       sync.Mutex
	lastIdle uint64
	lastTot  uint64
	lastAt   time.Time

	redis *redis.Client
	key   string
}

// New builds a Sampler. redisClient may be nil, in which case sampling is
// purely local.
func New(redisClient *redis.Client) *Sampler {
	return &Sampler{redis: redisClient, key: "lilac:resource:last"}
}

// Sample reads current CPU ratio (since the previous call) and available
// memory, then, if a Redis client is configured, publishes the reading so
// other instances can read it back with Last.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle, total, err := readProcStat()
	if err != nil {
		return Sample{CPURatio: 1.0, MemAvail: 0, SampledAt: time.Now()}, nil
	}

	var ratio float64 = 1.0
	now := time.Now()
	if !s.lastAt.IsZero() && total > s.lastTot {
		idleDelta := float64(idle - s.lastIdle)
		totalDelta := float64(total - s.lastTot)
		if totalDelta > 0 {
			ratio = 1.0 - idleDelta/totalDelta
		}
	}
	s.lastIdle, s.lastTot, s.lastAt = idle, total, now

	avail, err := readMemAvailable()
	if err != nil {
		avail = 0
	}

	sample := Sample{CPURatio: ratio, MemAvail: avail, SampledAt: now}

	if s.redis != nil {
		s.redis.HSet(ctx, s.key, map[string]interface{}{
			"cpu_ratio":  ratio,
			"mem_avail":  avail,
			"sampled_at": now.Unix(),
		})
	}

	return sample, nil
}

// Last returns the most recently published sample from Redis, for
// orchestrator instances that want a shared view without sampling
// themselves. Returns ok=false if no Redis client is configured or no
// sample has ever been published.
func (s *Sampler) Last(ctx context.Context) (Sample, bool) {
	if s.redis == nil {
		return Sample{}, false
	}
	vals, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil || len(vals) == 0 {
		return Sample{}, false
	}
	ratio, _ := strconv.ParseFloat(vals["cpu_ratio"], 64)
	avail, _ := strconv.ParseUint(vals["mem_avail"], 10, 64)
	unix, _ := strconv.ParseInt(vals["sampled_at"], 10, 64)
	return Sample{CPURatio: ratio, MemAvail: avail, SampledAt: time.Unix(unix, 0)}, true
}

func readProcStat() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		for i, f := range fields {
			v, perr := strconv.ParseUint(f, 10, 64)
			if perr != nil {
				continue
			}
			total += v
			if i == 3 { // idle is the 4th field
				idle = v
			}
		}
		return idle, total, nil
	}
	return 0, 0, sc.Err()
}

func readMemAvailable() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, nil
}
