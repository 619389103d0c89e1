package planner

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/toolsascode/sqlmigrate/internal/discovery"
	"github.com/toolsascode/sqlmigrate/internal/ledger"
)

func upFile(version, name string) discovery.MigrationFile {
	content := "CREATE TABLE " + name + " (id INT);"
	return discovery.MigrationFile{
		Version:   version,
		Module:    "core",
		Name:      name,
		Direction: discovery.DirectionUp,
		Content:   content,
		Checksum:  discovery.ChecksumOf(content),
	}
}

func downFile(version, name string) discovery.MigrationFile {
	content := "DROP TABLE " + name + ";"
	return discovery.MigrationFile{
		Version:   version,
		Module:    "core",
		Name:      name,
		Direction: discovery.DirectionDown,
		Content:   content,
		Checksum:  discovery.ChecksumOf(content),
	}
}

// pair returns a reversible up/down pair for one version
func pair(version, name string) []discovery.MigrationFile {
	up := upFile(version, name)
	up.Reversible = true
	return []discovery.MigrationFile{up, downFile(version, name)}
}

func successRecord(f discovery.MigrationFile) *ledger.Record {
	return &ledger.Record{
		Version:  f.Version,
		Name:     f.Name,
		Module:   f.Module,
		Checksum: f.Checksum,
		Status:   ledger.StatusSuccess,
	}
}

func TestBuildUpPendingAndApplied(t *testing.T) {
	first := upFile("20250101120000", "first")
	second := upFile("20250102120000", "second")
	files := []discovery.MigrationFile{first, second}
	records := []*ledger.Record{successRecord(first)}

	plan, err := Build(files, records, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Total != 2 || plan.Apply != 1 || plan.Skip != 1 {
		t.Fatalf("unexpected counts: total=%d apply=%d skip=%d", plan.Total, plan.Apply, plan.Skip)
	}
	if plan.Items[0].Action != ActionSkip || plan.Items[0].Reason != "already applied" {
		t.Errorf("expected applied migration to skip, got %s (%s)", plan.Items[0].Action, plan.Items[0].Reason)
	}
	if plan.Items[1].Action != ActionApply || plan.Items[1].Reason != "pending" {
		t.Errorf("expected pending migration to apply, got %s (%s)", plan.Items[1].Action, plan.Items[1].Reason)
	}
}

func TestBuildUpRetriesFailed(t *testing.T) {
	f := upFile("20250101120000", "flaky")
	record := successRecord(f)
	record.Status = ledger.StatusFailed

	plan, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{record}, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Items[0].Action != ActionApply {
		t.Errorf("expected failed migration to be retried, got %s", plan.Items[0].Action)
	}
	if plan.Items[0].Reason != "retrying failed migration" {
		t.Errorf("unexpected reason: %s", plan.Items[0].Reason)
	}
}

func TestBuildUpReappliesRolledBack(t *testing.T) {
	f := upFile("20250101120000", "undone")
	record := successRecord(f)
	record.Status = ledger.StatusRolledBack

	plan, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{record}, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Items[0].Action != ActionApply {
		t.Errorf("expected rolled-back migration to re-apply, got %s", plan.Items[0].Action)
	}
}

func TestBuildUpChecksumDriftSkipsWithReason(t *testing.T) {
	f := upFile("20250101120000", "edited")
	record := successRecord(f)
	record.Checksum = discovery.ChecksumOf("something else entirely")

	plan, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{record}, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	item := plan.Items[0]
	if item.Action != ActionSkip {
		t.Fatalf("expected drifted migration to skip, not %s", item.Action)
	}
	if !strings.Contains(item.Reason, "drift") {
		t.Errorf("expected drift surfaced in reason, got %q", item.Reason)
	}
}

func TestBuildUpCountLimit(t *testing.T) {
	files := []discovery.MigrationFile{
		upFile("20250101120000", "a"),
		upFile("20250102120000", "b"),
		upFile("20250103120000", "c"),
	}

	plan, err := Build(files, nil, Request{Command: CommandUp, Count: 2})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Apply != 2 || plan.Skip != 1 {
		t.Fatalf("expected 2 applies and 1 skip, got apply=%d skip=%d", plan.Apply, plan.Skip)
	}
	if plan.Items[2].Reason != "beyond requested count" {
		t.Errorf("unexpected reason for over-count item: %s", plan.Items[2].Reason)
	}
}

func TestBuildIsPure(t *testing.T) {
	files := append(pair("20250101120000", "a"), upFile("20250102120000", "b"))
	records := []*ledger.Record{successRecord(files[0])}

	first, err := Build(files, records, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := Build(files, records, Request{Command: CommandUp})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical plans from identical inputs")
	}
}

func TestBuildStatusReportsOrphans(t *testing.T) {
	f := upFile("20250101120000", "present")
	orphan := &ledger.Record{
		Version: "20240101120000",
		Name:    "vanished",
		Module:  "core",
		Status:  ledger.StatusSuccess,
	}

	plan, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{successRecord(f), orphan}, Request{Command: CommandStatus})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Total != 2 {
		t.Fatalf("expected the orphan record in the plan, got %d items", plan.Total)
	}
	last := plan.Items[len(plan.Items)-1]
	if last.Action != ActionSkip || last.Reason != "applied migration has no file on disk" {
		t.Errorf("unexpected orphan item: %s (%s)", last.Action, last.Reason)
	}
	if last.Migration.Version != orphan.Version {
		t.Errorf("expected orphan identity from the ledger, got %s", last.Migration.Version)
	}
}

func TestBuildVerify(t *testing.T) {
	ok := upFile("20250101120000", "ok")
	drifted := upFile("20250102120000", "drifted")
	pending := upFile("20250103120000", "pending")

	driftedRecord := successRecord(drifted)
	driftedRecord.Checksum = discovery.ChecksumOf("edited after apply")

	plan, err := Build(
		[]discovery.MigrationFile{ok, drifted, pending},
		[]*ledger.Record{successRecord(ok), driftedRecord},
		Request{Command: CommandVerify},
	)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	reasons := []string{"checksum ok", "", "not applied"}
	for i, item := range plan.Items {
		if item.Action != ActionSkip {
			t.Errorf("verify item %d: expected skip, got %s", i, item.Action)
		}
		if reasons[i] != "" && item.Reason != reasons[i] {
			t.Errorf("verify item %d: expected reason %q, got %q", i, reasons[i], item.Reason)
		}
	}
	if !strings.Contains(plan.Items[1].Reason, "drift") {
		t.Errorf("expected drift reported, got %q", plan.Items[1].Reason)
	}
}

func TestBuildDownDefaultsToOne(t *testing.T) {
	files := append(pair("20250101120000", "a"), pair("20250102120000", "b")...)
	records := []*ledger.Record{successRecord(files[0]), successRecord(files[2])}

	plan, err := Build(files, records, Request{Command: CommandDown})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Total != 1 || plan.Rollback != 1 {
		t.Fatalf("expected a single rollback, got %+v", plan)
	}
	item := plan.Items[0]
	if item.Migration.Version != "20250102120000" {
		t.Errorf("expected the newest migration rolled back first, got %s", item.Migration.Version)
	}
	if item.Down == nil || item.Down.Direction != discovery.DirectionDown {
		t.Error("expected the down file attached to the rollback item")
	}
}

func TestBuildDownDescendingOrder(t *testing.T) {
	files := append(pair("20250101120000", "a"), pair("20250102120000", "b")...)
	files = append(files, pair("20250103120000", "c")...)
	records := []*ledger.Record{successRecord(files[0]), successRecord(files[2]), successRecord(files[4])}

	plan, err := Build(files, records, Request{Command: CommandDown, Count: 3})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	got := []string{plan.Items[0].Migration.Version, plan.Items[1].Migration.Version, plan.Items[2].Migration.Version}
	want := []string{"20250103120000", "20250102120000", "20250101120000"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected descending rollback order %v, got %v", want, got)
	}
}

func TestBuildDownSkipsNonSuccessRecords(t *testing.T) {
	files := append(pair("20250101120000", "a"), pair("20250102120000", "b")...)
	failed := successRecord(files[2])
	failed.Status = ledger.StatusFailed
	records := []*ledger.Record{successRecord(files[0]), failed}

	plan, err := Build(files, records, Request{Command: CommandDown})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Items[0].Migration.Version != "20250101120000" {
		t.Errorf("expected rollback to target the last success, got %s", plan.Items[0].Migration.Version)
	}
}

func TestBuildDownIrreversible(t *testing.T) {
	f := upFile("20250101120000", "one_way")

	_, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{successRecord(f)}, Request{Command: CommandDown})
	var irreversible *IrreversibleMigrationError
	if !errors.As(err, &irreversible) {
		t.Fatalf("expected IrreversibleMigrationError, got %v", err)
	}
	if irreversible.Version != "20250101120000" {
		t.Errorf("unexpected version in error: %s", irreversible.Version)
	}
}

func TestBuildDownFileGoneFromDisk(t *testing.T) {
	record := &ledger.Record{Version: "20250101120000", Name: "gone", Module: "core", Status: ledger.StatusSuccess}

	_, err := Build(nil, []*ledger.Record{record}, Request{Command: CommandDown})
	var irreversible *IrreversibleMigrationError
	if !errors.As(err, &irreversible) {
		t.Fatalf("expected IrreversibleMigrationError for a vanished file, got %v", err)
	}
}

func TestBuildTo(t *testing.T) {
	files := append(pair("20250101120000", "a"), pair("20250102120000", "b")...)
	files = append(files, pair("20250103120000", "c")...)
	records := []*ledger.Record{successRecord(files[0]), successRecord(files[2]), successRecord(files[4])}

	// Target is the first version: the two above it roll back, it stays.
	plan, err := Build(files, records, Request{Command: CommandTo, TargetVersion: "20250101120000"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Rollback != 2 {
		t.Fatalf("expected 2 rollbacks, got %d", plan.Rollback)
	}
	if plan.Items[0].Migration.Version != "20250103120000" || plan.Items[1].Migration.Version != "20250102120000" {
		t.Errorf("expected rollbacks in descending order, got %s then %s",
			plan.Items[0].Migration.Version, plan.Items[1].Migration.Version)
	}
	last := plan.Items[len(plan.Items)-1]
	if last.Migration.Version != "20250101120000" || last.Action != ActionSkip {
		t.Errorf("expected the target itself to remain applied, got %s %s", last.Migration.Version, last.Action)
	}
}

func TestBuildToAppliesForward(t *testing.T) {
	files := []discovery.MigrationFile{
		upFile("20250101120000", "a"),
		upFile("20250102120000", "b"),
		upFile("20250103120000", "c"),
	}

	plan, err := Build(files, nil, Request{Command: CommandTo, TargetVersion: "20250102120000"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Apply != 2 || plan.Rollback != 0 {
		t.Fatalf("expected 2 forward applies, got apply=%d rollback=%d", plan.Apply, plan.Rollback)
	}
	for _, item := range plan.Items {
		if item.Migration.Version > "20250102120000" {
			t.Errorf("migration %s above the target leaked into the plan", item.Migration.Version)
		}
	}
}

func TestBuildToRequiresTarget(t *testing.T) {
	if _, err := Build(nil, nil, Request{Command: CommandTo}); err == nil {
		t.Fatal("expected error for missing target version")
	}
}

func TestBuildRedo(t *testing.T) {
	files := append(pair("20250101120000", "a"), pair("20250102120000", "b")...)
	records := []*ledger.Record{successRecord(files[0]), successRecord(files[2])}

	plan, err := Build(files, records, Request{Command: CommandRedo})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Total != 2 || plan.Rollback != 1 || plan.Apply != 1 {
		t.Fatalf("expected a rollback/apply pair, got %+v", plan)
	}
	if plan.Items[0].Action != ActionRollback || plan.Items[1].Action != ActionApply {
		t.Errorf("expected rollback before apply, got %s then %s", plan.Items[0].Action, plan.Items[1].Action)
	}
	if plan.Items[0].Migration.Version != "20250102120000" || plan.Items[1].Migration.Version != "20250102120000" {
		t.Error("expected both steps to target the most recent migration")
	}
}

func TestBuildRedoEmptyLedger(t *testing.T) {
	plan, err := Build([]discovery.MigrationFile{upFile("20250101120000", "a")}, nil, Request{Command: CommandRedo})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if plan.Total != 0 {
		t.Errorf("expected an empty plan with nothing applied, got %d items", plan.Total)
	}
}

func TestBuildRedoIrreversible(t *testing.T) {
	f := upFile("20250101120000", "one_way")

	_, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{successRecord(f)}, Request{Command: CommandRedo})
	var irreversible *IrreversibleMigrationError
	if !errors.As(err, &irreversible) {
		t.Fatalf("expected IrreversibleMigrationError, got %v", err)
	}
}

func TestBuildUnknownCommand(t *testing.T) {
	if _, err := Build(nil, nil, Request{Command: "sideways"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestBuildUnknownRecordStatus(t *testing.T) {
	f := upFile("20250101120000", "a")
	record := successRecord(f)
	record.Status = "limbo"

	if _, err := Build([]discovery.MigrationFile{f}, []*ledger.Record{record}, Request{Command: CommandUp}); err == nil {
		t.Fatal("expected error for unknown ledger status")
	}
}
