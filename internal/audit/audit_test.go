package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arosstale/pi-pai/internal/engine"
)

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		Seq:       1,
		Timestamp: "2026-10-19T10:00:00Z",
		Session:   "s1",
		Kind:      KindDamageBlocked,
		Tool:      "bash",
		Target:    "rm -rf /",
		Decision:  "block",
		PrevHash:  "sha256:0000",
	}

	hash1 := computeHash(e)
	hash2 := computeHash(e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		Seq:       1,
		Timestamp: "2026-10-19T10:00:00Z",
		Session:   "s1",
		Kind:      KindDamageBlocked,
		Tool:      "bash",
		Target:    "rm -rf /",
		Decision:  "block",
		PrevHash:  "sha256:abc",
	}
	baseHash := computeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00Z" }},
		{"session", func(e *Entry) { e.Session = "other" }},
		{"kind", func(e *Entry) { e.Kind = KindGoal }},
		{"tool", func(e *Entry) { e.Tool = "read" }},
		{"target", func(e *Entry) { e.Target = "ls" }},
		{"decision", func(e *Entry) { e.Decision = "info" }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestVerifyEntry(t *testing.T) {
	e := &Entry{Seq: 1, Kind: KindMission, Decision: "info", PrevHash: "sha256:00"}
	e.Hash = computeHash(e)
	if !verifyEntry(e) {
		t.Error("entry with correct hash should verify")
	}

	e.Target = "tampered"
	if verifyEntry(e) {
		t.Error("entry with tampered field should not verify")
	}
}

// --- AuditLog ---

func openLog(t *testing.T, dir string) *AuditLog {
	t.Helper()
	a, err := New(dir)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func blockEvent(cmd string, cause engine.Cause) engine.AuditEvent {
	rule := &engine.CommandRule{Pattern: `rm\s+-rf`, Reason: "rm with recursive/force flags"}
	return engine.AuditEvent{
		Action: engine.BashAction{Command: cmd},
		Decision: engine.Decision{
			Outcome:     engine.Block,
			Reason:      engine.BlockReason(rule.Reason),
			Cause:       cause,
			CommandRule: rule,
		},
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func TestAuditLog_RecordAndTail(t *testing.T) {
	a := openLog(t, t.TempDir())
	a.SetSession("session-1")

	a.Record(blockEvent("rm -rf /tmp/build", engine.CauseRule))
	a.Append(KindMission, map[string]any{"mission": "ship it"})

	entries, err := a.Tail(10)
	if err != nil {
		t.Fatalf("Tail() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// Newest first.
	if entries[0].Kind != KindMission || entries[1].Kind != KindDamageBlocked {
		t.Errorf("unexpected order: %s, %s", entries[0].Kind, entries[1].Kind)
	}

	blocked := entries[1]
	if blocked.Seq != 1 || blocked.Session != "session-1" {
		t.Errorf("unexpected seq/session: %d %q", blocked.Seq, blocked.Session)
	}
	if blocked.Target != "rm -rf /tmp/build" || blocked.Tool != "bash" {
		t.Errorf("unexpected target/tool: %q %q", blocked.Target, blocked.Tool)
	}
	if blocked.Payload["action"] != ActionAutoBlocked {
		t.Errorf("expected action %q, got %v", ActionAutoBlocked, blocked.Payload["action"])
	}
	if blocked.Payload["command"] != "rm -rf /tmp/build" {
		t.Errorf("expected command in payload, got %v", blocked.Payload["command"])
	}
	if blocked.Payload["reason"] != "rm with recursive/force flags" {
		t.Errorf("expected raw rule reason in payload, got %v", blocked.Payload["reason"])
	}
	if entries[0].Payload["mission"] != "ship it" {
		t.Errorf("mission payload lost: %v", entries[0].Payload)
	}
}

func TestAuditLog_UserDenied(t *testing.T) {
	a := openLog(t, t.TempDir())
	a.Record(blockEvent("git branch -D main", engine.CauseUserDenied))

	entries, err := a.Query(QueryParams{Kind: KindDamageBlocked})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Payload["action"] != ActionUserDenied {
		t.Errorf("expected %q, got %v", ActionUserDenied, entries[0].Payload["action"])
	}
	if entries[0].Cause != string(engine.CauseUserDenied) {
		t.Errorf("expected cause user_denied, got %q", entries[0].Cause)
	}
}

func TestAuditLog_QueryFilters(t *testing.T) {
	a := openLog(t, t.TempDir())
	a.Append(KindGoal, map[string]any{"id": "g0"})
	a.Append(KindGoal, map[string]any{"id": "g1"})
	a.Append(KindLearning, map[string]any{"insight": "x"})
	a.Record(blockEvent("rm -rf x", engine.CauseRule))

	goals, err := a.Query(QueryParams{Kind: KindGoal})
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 2 {
		t.Errorf("expected 2 goals, got %d", len(goals))
	}

	blocks, err := a.Query(QueryParams{Decision: "block"})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Errorf("expected 1 block, got %d", len(blocks))
	}

	limited, err := a.Query(QueryParams{Limit: 1, Since: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Seq != 4 {
		t.Errorf("expected newest entry only, got %+v", limited)
	}

	if _, err := a.Query(QueryParams{Since: "yesterday"}); err == nil {
		t.Error("expected error for invalid since")
	}

	counts, err := a.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[KindGoal] != 2 || counts[KindLearning] != 1 || counts[KindDamageBlocked] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestAuditLog_VerifyChain(t *testing.T) {
	dir := t.TempDir()
	a := openLog(t, dir)
	a.Record(blockEvent("rm -rf /tmp/build", engine.CauseRule))
	a.Append(KindGoal, map[string]any{"id": "g0"})
	a.Append(KindGoalDone, map[string]any{"goalId": "g0"})

	res, err := a.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Fatalf("expected valid chain of 3, got %+v", res)
	}

	// Tamper with the first entry on disk.
	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("expected one daily file, got %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"target":"rm -rf /tmp/build"`, `"target":"ls"`, 1)
	if tampered == string(data) {
		t.Fatal("tamper target not found in log")
	}
	if err := os.WriteFile(files[0], []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err = a.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 0 {
		t.Errorf("expected chain broken at 0, got %+v", res)
	}
}

func TestAuditLog_VerifyChainDetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	a := openLog(t, dir)
	for i := 0; i < 3; i++ {
		a.Append(KindLearning, map[string]any{"i": i})
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	data, _ := os.ReadFile(files[0])
	lines := strings.SplitAfter(string(data), "\n")
	// Drop the middle entry.
	if err := os.WriteFile(files[0], []byte(lines[0]+lines[2]), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := a.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 1 {
		t.Errorf("expected chain broken at 1, got %+v", res)
	}
}

func TestAuditLog_ReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()

	a, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	a.Append(KindMission, map[string]any{"mission": "one"})
	a.Append(KindGoal, map[string]any{"id": "g0"})
	a.Close()

	b := openLog(t, dir)
	if b.LastSeq() != 2 {
		t.Fatalf("expected seq 2 after reopen, got %d", b.LastSeq())
	}
	b.Append(KindGoal, map[string]any{"id": "g1"})

	res, err := b.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Errorf("expected valid chain of 3, got %+v", res)
	}
}

func TestAuditLog_RecoversFromTornLine(t *testing.T) {
	dir := t.TempDir()

	a, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	a.Append(KindMission, map[string]any{"mission": "one"})
	a.Append(KindGoal, map[string]any{"id": "g0"})
	a.Close()

	// A crash mid-write leaves an unterminated fragment.
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one daily file, got %v (%v)", files, err)
	}
	f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"seq":3,"ts":"trunc`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	b, err := New(dir)
	if err != nil {
		t.Fatalf("New after torn line: %v", err)
	}
	defer b.Close()
	if b.LastSeq() != 2 {
		t.Fatalf("expected seq 2 after recovery, got %d", b.LastSeq())
	}

	b.Append(KindGoal, map[string]any{"id": "g1"})
	entries, err := b.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Seq != 3 {
		t.Fatalf("expected the new entry as seq 3, got %+v", entries)
	}

	res, err := b.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Errorf("expected valid chain of 3, got %+v", res)
	}
}

func TestAuditLog_TwoWritersShareChain(t *testing.T) {
	dir := t.TempDir()
	server := openLog(t, dir)
	cli := openLog(t, dir)

	server.Append(KindLifecycle, map[string]any{"event": "start"})
	cli.Append(KindMission, map[string]any{"mission": "m"})
	server.Record(blockEvent("rm -rf x", engine.CauseRule))

	res, err := server.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Errorf("expected valid chain of 3, got %+v", res)
	}
	if server.LastSeq() != 3 {
		t.Errorf("expected seq 3, got %d", server.LastSeq())
	}
}

func TestAuditLog_ConcurrentAppends(t *testing.T) {
	a := openLog(t, t.TempDir())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Record(blockEvent("rm -rf /tmp/"+string(rune('a'+i%26)), engine.CauseRule))
		}(i)
	}
	wg.Wait()

	res, err := a.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != n {
		t.Errorf("expected valid chain of %d, got %+v", n, res)
	}
}

func TestAuditLog_OnAppend(t *testing.T) {
	a := openLog(t, t.TempDir())

	var got []Entry
	a.OnAppend(func(e Entry) { got = append(got, e) })
	a.Append(KindChallenge, map[string]any{"id": "c0"})

	if len(got) != 1 || got[0].Kind != KindChallenge || got[0].Hash == "" {
		t.Errorf("listener did not receive the persisted entry: %+v", got)
	}
}

func TestAuditLog_Export(t *testing.T) {
	a := openLog(t, t.TempDir())
	a.Record(blockEvent("rm -rf x", engine.CauseRule))
	a.Append(KindLearning, map[string]any{"insight": "y"})

	var csvOut bytes.Buffer
	if err := a.Export(&csvOut, "csv"); err != nil {
		t.Fatalf("csv export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "seq,ts,session,kind") {
		t.Errorf("unexpected csv header: %s", lines[0])
	}

	var jsonl bytes.Buffer
	if err := a.Export(&jsonl, ""); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(jsonl.String(), "\n"); n != 2 {
		t.Errorf("expected 2 jsonl lines, got %d", n)
	}

	if err := a.Export(&jsonl, "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
