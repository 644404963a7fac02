package allocator

import (
	"bytes"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/pyropy/tensorage/core/model"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionGrow    Action = "grow"
	ActionShrink  Action = "shrink"
	ActionDelete  Action = "delete"
	ActionResume  Action = "resume"
	ActionRebuild Action = "rebuild"
	ActionKeep    Action = "keep"
)

// Change is the planned transition of one counterparty's partition.
type Change struct {
	Counterparty string
	Action       Action
	Weight       uint64
	Seed         model.Seed

	FromChunks uint64
	ToChunks   uint64
	FromBytes  uint64
	ToBytes    uint64
	// Committed is the number of chunks below the current checkpoint.
	Committed uint64
	State     model.PartitionState
	// Deregistered is set when the counterparty left the stake table.
	Deregistered bool
}

// WriteChunks is the number of chunks the change still has to write.
func (c Change) WriteChunks() uint64 {
	switch c.Action {
	case ActionCreate, ActionRebuild:
		return c.ToChunks
	case ActionGrow, ActionResume, ActionShrink:
		if c.ToChunks > c.Committed {
			return c.ToChunks - c.Committed
		}
	}
	return 0
}

// ReleaseChunks is the number of stored chunks the change discards.
func (c Change) ReleaseChunks() uint64 {
	switch c.Action {
	case ActionDelete, ActionRebuild:
		return c.Committed
	case ActionShrink:
		if c.Committed > c.ToChunks {
			return c.Committed - c.ToChunks
		}
	}
	return 0
}

// Plan is the before/after capacity layout for one allocation cycle.
type Plan struct {
	Owner     string
	ChunkSize uint64
	Capacity  uint64
	Changes   []Change
}

func (p Plan) CurrentBytes() uint64 {
	var total uint64
	for _, c := range p.Changes {
		total += c.FromBytes
	}
	return total
}

func (p Plan) TargetBytes() uint64 {
	var total uint64
	for _, c := range p.Changes {
		total += c.ToBytes
	}
	return total
}

// WriteBytes is the upper bound of bytes this plan writes to disk.
func (p Plan) WriteBytes() uint64 {
	var total uint64
	for _, c := range p.Changes {
		total += c.WriteChunks() * p.ChunkSize
	}
	return total
}

// RequiredBytes is the free space the plan needs once deletions ran.
func (p Plan) RequiredBytes() uint64 {
	var release uint64
	for _, c := range p.Changes {
		release += c.ReleaseChunks() * p.ChunkSize
	}

	write := p.WriteBytes()
	if release >= write {
		return 0
	}
	return write - release
}

// NewCounterparties lists counterparties that get a partition for the first time.
func (p Plan) NewCounterparties() []string {
	var out []string
	for _, c := range p.Changes {
		if c.Action == ActionCreate {
			out = append(out, c.Counterparty)
		}
	}
	return out
}

func (p Plan) count(action Action) int {
	n := 0
	for _, c := range p.Changes {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Pending reports whether any change does work.
func (p Plan) Pending() bool {
	for _, c := range p.Changes {
		if c.Action != ActionKeep {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	var buf bytes.Buffer

	tw := tabwriter.NewWriter(&buf, 6, 6, 2, ' ', 0)
	fmt.Fprintf(tw, "COUNTERPARTY\tACTION\tWEIGHT\tCHUNKS\tSIZE\n")
	for _, c := range p.Changes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d -> %d\t%s -> %s\n", c.Counterparty, c.Action, c.Weight,
			c.FromChunks, c.ToChunks, humanize.IBytes(c.FromBytes), humanize.IBytes(c.ToBytes))
	}
	_ = tw.Flush()

	fmt.Fprintf(&buf, "total %s -> %s of %s capacity, %s to write\n",
		humanize.IBytes(p.CurrentBytes()), humanize.IBytes(p.TargetBytes()),
		humanize.IBytes(p.Capacity), humanize.IBytes(p.WriteBytes()))

	return buf.String()
}

// Plan diffs the manifest against the stake table.
func (a *Allocator) Plan(snap model.StakeSnapshot) Plan {
	targets := Targets(snap, a.cfg)

	plan := Plan{
		Owner:     a.manifest.Owner(),
		ChunkSize: a.cfg.ChunkSize,
		Capacity:  a.cfg.Capacity,
	}

	existing := make(map[string]bool)
	for _, p := range a.manifest.Snapshot() {
		existing[p.Counterparty] = true

		t, registered := targets[p.Counterparty]
		c := Change{
			Counterparty: p.Counterparty,
			Weight:       t.Weight,
			Seed:         p.Seed,
			FromChunks:   p.NChunks,
			ToChunks:     t.NChunks,
			FromBytes:    p.SizeBytes,
			ToBytes:      t.SizeBytes,
			Committed:    p.Committed(),
			State:        p.State,
			Deregistered: !registered,
		}

		switch {
		case t.NChunks == 0:
			c.Action = ActionDelete
		case a.restart.Load():
			c.Action = ActionRebuild
		case t.NChunks > p.NChunks:
			c.Action = ActionGrow
		case t.NChunks < p.NChunks:
			c.Action = ActionShrink
		case p.State == model.PartitionIncomplete:
			// left for an operator restart
			c.Action = ActionKeep
		case !p.IsComplete():
			c.Action = ActionResume
		default:
			c.Action = ActionKeep
		}

		plan.Changes = append(plan.Changes, c)
	}

	for peer, t := range targets {
		if existing[peer] || t.NChunks == 0 {
			continue
		}

		plan.Changes = append(plan.Changes, Change{
			Counterparty: peer,
			Action:       ActionCreate,
			Weight:       t.Weight,
			Seed:         model.DeriveSeed(plan.Owner, peer),
			ToChunks:     t.NChunks,
			ToBytes:      t.SizeBytes,
		})
	}

	sort.Slice(plan.Changes, func(i, j int) bool {
		return plan.Changes[i].Counterparty < plan.Changes[j].Counterparty
	})

	return plan
}
