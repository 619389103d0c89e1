package planner

import (
	"fmt"
	"sort"

	"github.com/toolsascode/sqlmigrate/internal/discovery"
	"github.com/toolsascode/sqlmigrate/internal/ledger"
)

// Command names the operation a plan is built for
type Command string

const (
	CommandStatus Command = "status"
	CommandUp     Command = "up"
	CommandDown   Command = "down"
	CommandTo     Command = "to"
	CommandRedo   Command = "redo"
	CommandVerify Command = "verify"
)

// Action is what the runner should do with one planned migration
type Action string

const (
	ActionApply    Action = "apply"
	ActionSkip     Action = "skip"
	ActionRollback Action = "rollback"
)

// Request selects the command and its arguments
type Request struct {
	Command       Command
	Count         int    // limit for up/down; 0 means unlimited (up) or 1 (down)
	TargetVersion string // for "to"
}

// Item is one planned step: the migration, what to do, and why
type Item struct {
	Migration discovery.MigrationFile  // the up file (identity and forward SQL)
	Down      *discovery.MigrationFile // reverse SQL, set on rollback items
	Action    Action
	Reason    string
}

// Plan is the ordered action list for one runner invocation, with summary
// counts. It is computed fresh every time and never stored.
type Plan struct {
	Command  Command
	Items    []Item
	Total    int
	Apply    int
	Rollback int
	Skip     int
}

// Build computes the plan from a discovered file set and the ledger state.
// It is a pure function of its inputs: no I/O, no clock, so identical
// inputs always produce identical plans.
func Build(files []discovery.MigrationFile, records []*ledger.Record, req Request) (*Plan, error) {
	idx := buildIndex(files, records)

	var items []Item
	var err error

	switch req.Command {
	case CommandStatus, CommandUp:
		items, err = planForward(idx, req.Count)
	case CommandVerify:
		items = planVerify(idx)
	case CommandDown:
		count := req.Count
		if count <= 0 {
			count = 1
		}
		items, err = planRollback(idx, count, "")
	case CommandTo:
		items, err = planTo(idx, req.TargetVersion)
	case CommandRedo:
		items, err = planRedo(idx)
	default:
		return nil, fmt.Errorf("unknown command: %q", req.Command)
	}
	if err != nil {
		return nil, err
	}

	plan := &Plan{Command: req.Command, Items: items}
	for _, item := range items {
		plan.Total++
		switch item.Action {
		case ActionApply:
			plan.Apply++
		case ActionRollback:
			plan.Rollback++
		case ActionSkip:
			plan.Skip++
		}
	}
	return plan, nil
}

// index holds the joined view of discovered files and ledger records
type index struct {
	ups      []discovery.MigrationFile           // ascending by version
	downs    map[string]*discovery.MigrationFile // version -> down file
	records  map[string]*ledger.Record           // version -> record
	orphans  []*ledger.Record                    // applied records with no file on disk, ascending
	applied  []*ledger.Record                    // success records, ascending by version
}

func buildIndex(files []discovery.MigrationFile, records []*ledger.Record) *index {
	idx := &index{
		downs:   make(map[string]*discovery.MigrationFile),
		records: make(map[string]*ledger.Record),
	}

	known := make(map[string]bool)
	for i := range files {
		f := files[i]
		switch f.Direction {
		case discovery.DirectionUp:
			idx.ups = append(idx.ups, f)
			known[f.Version] = true
		case discovery.DirectionDown:
			idx.downs[f.Version] = &files[i]
		}
	}
	sort.Slice(idx.ups, func(i, j int) bool { return idx.ups[i].Version < idx.ups[j].Version })

	for _, r := range records {
		idx.records[r.Version] = r
		if !known[r.Version] {
			idx.orphans = append(idx.orphans, r)
		}
		if r.Status == ledger.StatusSuccess {
			idx.applied = append(idx.applied, r)
		}
	}
	sort.Slice(idx.orphans, func(i, j int) bool { return idx.orphans[i].Version < idx.orphans[j].Version })
	sort.Slice(idx.applied, func(i, j int) bool { return idx.applied[i].Version < idx.applied[j].Version })

	return idx
}

// planForward builds the ascending apply/skip list for up and status
func planForward(idx *index, count int) ([]Item, error) {
	var items []Item
	applies := 0

	for _, up := range idx.ups {
		record := idx.records[up.Version]
		item := Item{Migration: up}

		switch {
		case record == nil:
			item.Action = ActionApply
			item.Reason = "pending"
		case record.Status == ledger.StatusSuccess:
			item.Action = ActionSkip
			if record.Checksum != up.Checksum {
				// Drift is surfaced, never auto-corrected; redo is the
				// explicit correction path.
				item.Reason = fmt.Sprintf("applied, checksum drift (recorded %.12s…, on disk %.12s…)",
					record.Checksum, up.Checksum)
			} else {
				item.Reason = "already applied"
			}
		case record.Status == ledger.StatusFailed:
			// A failed migration never committed (transactional execution
			// is the default), so it is retried, not skipped.
			item.Action = ActionApply
			item.Reason = "retrying failed migration"
		case record.Status == ledger.StatusRolledBack:
			item.Action = ActionApply
			item.Reason = "re-applying rolled-back migration"
		default:
			return nil, fmt.Errorf("ledger record %s has unknown status %q", record.Version, record.Status)
		}

		if item.Action == ActionApply {
			if count > 0 && applies >= count {
				item.Action = ActionSkip
				item.Reason = "beyond requested count"
			} else {
				applies++
			}
		}
		items = append(items, item)
	}

	items = append(items, orphanItems(idx)...)
	return items, nil
}

// planVerify builds a checksum-only report: every item is a skip, the
// reason carries the verification outcome
func planVerify(idx *index) []Item {
	var items []Item
	for _, up := range idx.ups {
		record := idx.records[up.Version]
		item := Item{Migration: up, Action: ActionSkip}

		switch {
		case record == nil:
			item.Reason = "not applied"
		case record.Checksum == up.Checksum:
			item.Reason = "checksum ok"
		default:
			item.Reason = fmt.Sprintf("checksum drift (recorded %.12s…, on disk %.12s…)",
				record.Checksum, up.Checksum)
		}
		items = append(items, item)
	}
	return append(items, orphanItems(idx)...)
}

// planRollback builds the descending rollback list for down, bounded by
// count or by an exclusive floor version
func planRollback(idx *index, count int, floorVersion string) ([]Item, error) {
	var items []Item

	for i := len(idx.applied) - 1; i >= 0; i-- {
		record := idx.applied[i]
		if count > 0 && len(items) >= count {
			break
		}
		if floorVersion != "" && record.Version <= floorVersion {
			break
		}

		item, err := rollbackItem(idx, record)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// rollbackItem builds a single rollback step, failing hard on a
// non-reversible migration; the ledger is left untouched by a refused plan
func rollbackItem(idx *index, record *ledger.Record) (Item, error) {
	var up *discovery.MigrationFile
	for i := range idx.ups {
		if idx.ups[i].Version == record.Version {
			up = &idx.ups[i]
			break
		}
	}
	if up == nil {
		return Item{}, &IrreversibleMigrationError{
			Version: record.Version,
			Reason:  "migration file is no longer on disk",
		}
	}

	down := idx.downs[record.Version]
	if down == nil || !up.Reversible {
		return Item{}, &IrreversibleMigrationError{
			Version: record.Version,
			Reason:  "no down migration exists",
		}
	}

	return Item{
		Migration: *up,
		Down:      down,
		Action:    ActionRollback,
		Reason:    "rollback requested",
	}, nil
}

// planTo migrates to an exact version: applied migrations above the target
// roll back (descending, first), unapplied ones at or below apply
// (ascending, after)
func planTo(idx *index, target string) ([]Item, error) {
	if target == "" {
		return nil, fmt.Errorf("target version is required")
	}

	items, err := planRollback(idx, 0, target)
	if err != nil {
		return nil, err
	}

	forward, err := planForward(idx, 0)
	if err != nil {
		return nil, err
	}
	for _, item := range forward {
		if item.Migration.Version > target {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// planRedo rolls back and then re-applies the most recent migration
func planRedo(idx *index) ([]Item, error) {
	if len(idx.applied) == 0 {
		return nil, nil
	}

	last := idx.applied[len(idx.applied)-1]
	rollback, err := rollbackItem(idx, last)
	if err != nil {
		return nil, err
	}

	apply := Item{
		Migration: rollback.Migration,
		Action:    ActionApply,
		Reason:    "re-applying after rollback",
	}
	return []Item{rollback, apply}, nil
}

// orphanItems reports applied records whose files vanished from disk. The
// record's identity is rebuilt into a placeholder file so the report can
// name it; there is no content to run.
func orphanItems(idx *index) []Item {
	var items []Item
	for _, r := range idx.orphans {
		items = append(items, Item{
			Migration: discovery.MigrationFile{
				Version:   r.Version,
				Module:    r.Module,
				Name:      r.Name,
				Direction: discovery.DirectionUp,
			},
			Action: ActionSkip,
			Reason: "applied migration has no file on disk",
		})
	}
	return items
}
