package process

import (
	"fmt"
	"slices"
	"sort"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultKillPause separates successive kills so the OS can settle
// parent/child bookkeeping.
const DefaultKillPause = time.Second

// Node identifies one member of a process tree.
type Node struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

func (n Node) String() string {
	if n.Name == "" {
		return fmt.Sprintf("Process-%d", n.PID)
	}
	return fmt.Sprintf("Process-%s-%d", n.Name, n.PID)
}

// Outcome is the per-member result of a tree kill.
type Outcome string

const (
	OutcomeKilled Outcome = "killed"
	OutcomeExited Outcome = "exited" // already gone before the kill attempt
	OutcomeFailed Outcome = "failed"
)

// KillResult reports what happened to one tree member.
type KillResult struct {
	Node    Node
	Outcome Outcome
	Err     error
}

func (r KillResult) String() string {
	switch r.Outcome {
	case OutcomeKilled:
		return "Killed " + r.Node.String()
	case OutcomeExited:
		return r.Node.String() + " has exited already"
	default:
		return fmt.Sprintf("Failed to kill %s: %v", r.Node, r.Err)
	}
}

// Tree abstracts process-tree operations so supervisors can be exercised
// without touching real processes.
type Tree interface {
	Enumerate(pid int) []Node
	AggregateMemory(pid int) uint64
	KillTree(pid int, report func(KillResult)) []KillResult
}

// OSTree implements Tree against the live OS process table.
// Trees are never cached; every call takes a fresh snapshot.
type OSTree struct {
	// Pause is slept between successive kill attempts.
	Pause time.Duration
}

func NewTree() *OSTree { return &OSTree{Pause: DefaultKillPause} }

// Enumerate returns pid and all of its live descendants, root first.
// Processes that disappear while walking are skipped.
func (t *OSTree) Enumerate(pid int) []Node {
	root, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children := childIndex()
	var (
		out  []Node
		seen = make(map[int32]bool)
		walk func(p int32)
	)
	walk = func(p int32) {
		if seen[p] {
			return
		}
		seen[p] = true
		out = append(out, Node{PID: p, Name: processName(p)})
		for _, c := range children[p] {
			walk(c)
		}
	}
	walk(root.Pid)
	return out
}

// AggregateMemory sums resident memory over the live members of the tree.
func (t *OSTree) AggregateMemory(pid int) uint64 {
	var total uint64
	for _, n := range t.Enumerate(pid) {
		p, err := gopsproc.NewProcess(n.PID)
		if err != nil {
			continue
		}
		mi, err := p.MemoryInfo()
		if err != nil || mi == nil {
			continue
		}
		total += mi.RSS
	}
	return total
}

// KillTree snapshots the tree once and kills each member in snapshot order.
// Every member produces exactly one KillResult, passed to report as it
// happens and also returned.
func (t *OSTree) KillTree(pid int, report func(KillResult)) []KillResult {
	nodes := t.Enumerate(pid)
	results := make([]KillResult, 0, len(nodes))
	for i, n := range nodes {
		res := killOne(n)
		results = append(results, res)
		if report != nil {
			report(res)
		}
		if res.Outcome != OutcomeExited && i != len(nodes)-1 && t.Pause > 0 {
			time.Sleep(t.Pause)
		}
	}
	return results
}

func killOne(n Node) KillResult {
	res := KillResult{Node: n}
	p, err := gopsproc.NewProcess(n.PID)
	if err != nil || !isAlive(p) {
		res.Outcome = OutcomeExited
		return res
	}
	if err := p.Kill(); err != nil {
		if !isAlive(p) {
			res.Outcome = OutcomeExited
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeKilled
	return res
}

// isAlive treats zombies as exited: they only wait to be reaped.
func isAlive(p *gopsproc.Process) bool {
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false
	}
	return true
}

func processName(pid int32) string {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

// childIndex maps each parent PID to its children, sorted by PID.
func childIndex() map[int32][]int32 {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil
	}
	idx := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil || ppid == p.Pid {
			continue
		}
		idx[ppid] = append(idx[ppid], p.Pid)
	}
	for _, kids := range idx {
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	}
	return idx
}
