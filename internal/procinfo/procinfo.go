// Package procinfo attaches owner, command and container information to the
// PIDs reported by a GPU sampler.
package procinfo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"require-gpu/internal/sampling"
)

type Info struct {
	PID         int
	User        string
	Command     string
	ContainerID string
}

type LookupFunc func(ctx context.Context, pid int) (Info, error)

// StartTimeFunc returns when pid was started, in ms since the epoch.
type StartTimeFunc func(ctx context.Context, pid int) (int64, error)

type Resolver struct {
	lookup    LookupFunc
	startTime StartTimeFunc
	cache     *cache.Cache
	log       *zap.Logger
}

func NewResolver(log *zap.Logger) *Resolver {
	return newResolver(lookupProc, procStartTime, log)
}

func newResolver(lookup LookupFunc, startTime StartTimeFunc, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		lookup:    lookup,
		startTime: startTime,
		cache:     cache.New(10*time.Minute, 20*time.Minute),
		log:       log,
	}
}

// ResolvePID returns what is known about pid. Results are cached because
// long-running jobs show up on every poll; the key includes the start time
// so a recycled PID is looked up afresh.
func (r *Resolver) ResolvePID(ctx context.Context, pid int) (Info, error) {
	started, err := r.startTime(ctx, pid)
	if err != nil {
		return Info{PID: pid}, err
	}
	key := strconv.Itoa(pid) + "@" + strconv.FormatInt(started, 10)
	if v, ok := r.cache.Get(key); ok {
		return v.(Info), nil
	}
	info, err := r.lookup(ctx, pid)
	if err != nil {
		return Info{PID: pid}, err
	}
	r.cache.Set(key, info, cache.DefaultExpiration)
	return info, nil
}

// Annotate fills in the process descriptors of snap in place. Lookups are
// best-effort: a process may have exited or belong to another PID namespace.
func (r *Resolver) Annotate(ctx context.Context, snap *sampling.Snapshot) {
	for gi := range snap.GPUs {
		procs := snap.GPUs[gi].Procs
		for pi := range procs {
			info, err := r.ResolvePID(ctx, procs[pi].PID)
			if err != nil {
				r.log.Debug("pid lookup failed",
					zap.Int("gpu", snap.GPUs[gi].Index),
					zap.Int("pid", procs[pi].PID),
					zap.Error(err))
				continue
			}
			procs[pi].User = info.User
			procs[pi].Command = info.Command
			procs[pi].ContainerID = info.ContainerID
		}
	}
}

type annotatingSampler struct {
	sampling.Sampler
	r *Resolver
}

// Wrap returns a Sampler whose snapshots carry process details.
func Wrap(s sampling.Sampler, r *Resolver) sampling.Sampler {
	return &annotatingSampler{Sampler: s, r: r}
}

func (a *annotatingSampler) Sample(ctx context.Context) (sampling.Snapshot, error) {
	snap, err := a.Sampler.Sample(ctx)
	if err != nil {
		return snap, err
	}
	a.r.Annotate(ctx, &snap)
	return snap, nil
}

func procStartTime(ctx context.Context, pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTimeWithContext(ctx)
}

func lookupProc(ctx context.Context, pid int) (Info, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Info{}, err
	}
	info := Info{PID: pid}
	info.User, _ = p.UsernameWithContext(ctx)
	info.Command, _ = p.NameWithContext(ctx)
	if info.User == "" && info.Command == "" {
		return Info{}, fmt.Errorf("pid %d: no process details", pid)
	}

	if cg, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid)); err == nil {
		info.ContainerID = parseCgroup(string(cg))
	}
	return info, nil
}

var cidRe = regexp.MustCompile(`(?:^|/)(?:docker-|crio-|cri-containerd-|containerd-|docker/)([0-9a-fA-F]{12,64})(?:\.scope)?(?:$|/)`)

func parseCgroup(cgroup string) (containerID string) {
	scanner := bufio.NewScanner(strings.NewReader(cgroup))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if m := cidRe.FindStringSubmatch(parts[2]); len(m) == 2 {
			return strings.ToLower(m[1])
		}
	}
	return ""
}
