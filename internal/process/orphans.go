package process

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const orphanPoll = 50 * time.Millisecond

// FindMatching returns pids whose command line contains sig, excluding the
// calling process, its parent and the pids in keep.
func FindMatching(ctx context.Context, sig string, keep ...int) ([]int, error) {
	if len(sig) < minSignatureLen {
		return nil, fmt.Errorf("signature %q too short", sig)
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self, parent := os.Getpid(), os.Getppid()
	var out []int
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || pid == parent || slices.Contains(keep, pid) {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, sig) {
			out = append(out, pid)
		}
	}
	return out, nil
}

// KillMatching sends SIGTERM to every process FindMatching reports, waits up
// to grace for them to go away and SIGKILLs the survivors.
func KillMatching(ctx context.Context, sig string, grace time.Duration, keep ...int) ([]int, error) {
	pids, err := FindMatching(ctx, sig, keep...)
	if err != nil || len(pids) == 0 {
		return nil, err
	}
	for _, pid := range pids {
		if p, err := gopsproc.NewProcessWithContext(ctx, int32(pid)); err == nil {
			_ = p.TerminateWithContext(ctx)
		}
	}
	deadline := time.Now().Add(grace)
	pending := slices.Clone(pids)
	for len(pending) > 0 && time.Now().Before(deadline) {
		pending = slices.DeleteFunc(pending, func(pid int) bool { return !pidAlive(pid) })
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(orphanPoll):
		}
	}
	var failed []int
	for _, pid := range pending {
		if !pidAlive(pid) {
			continue
		}
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		if err := p.Kill(); err != nil && pidAlive(pid) {
			failed = append(failed, pid)
		}
	}
	if len(failed) > 0 {
		return pids, fmt.Errorf("could not kill orphan pids %v", failed)
	}
	return pids, nil
}
