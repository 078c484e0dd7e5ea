package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arosstale/pi-pai/internal/engine"
)

// Entry kinds. The pai-* kinds are the session persistence surface the
// host extension appends to; lifecycle covers server start/stop and
// rule reloads.
const (
	KindDamageBlocked = "pai-damage-blocked"
	KindMission       = "pai-mission"
	KindGoal          = "pai-goal"
	KindGoalDone      = "pai-goal-done"
	KindChallenge     = "pai-challenge"
	KindLearning      = "pai-learning"
	KindLoopComplete  = "pai-loop-complete"
	KindRalph         = "pai-ralph"
	KindLifecycle     = "lifecycle"
)

// Values of the "action" payload field on pai-damage-blocked entries.
const (
	ActionAutoBlocked = "auto_blocked"
	ActionUserDenied  = "user_denied"
)

// Entry is a single audit log record.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp string         `json:"ts"`
	Session   string         `json:"session,omitempty"`
	Kind      string         `json:"kind"`
	Tool      string         `json:"tool,omitempty"`
	Target    string         `json:"target,omitempty"` // command text or file path
	Decision  string         `json:"decision"`         // "block" or "info"
	Cause     string         `json:"cause,omitempty"`
	Rule      string         `json:"rule,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// QueryParams filters Query. Zero values mean "no filter".
type QueryParams struct {
	Session  string
	Kind     string
	Decision string
	Since    string // RFC 3339 timestamp or a duration like "1h"
	Limit    int
}

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// AuditLog manages the hash-chained, append-only session log.
//
// Storage layout:
//
//	~/.pai/audit/
//	├── genesis.json        # establishes the chain
//	├── 2026-10-19.jsonl    # one file per UTC day, append-only
//	└── index.db            # SQLite index for Query and Tail
//
// Safe for concurrent use: each append is serialized under a mutex, so
// entries are never interleaved and seq is strictly increasing.
type AuditLog struct {
	mu        sync.Mutex
	dir       string
	session   string
	seq       uint64
	lastHash  string
	genesis   string
	index     *sqliteIndex
	file      *os.File
	fileDate  string
	size      int64 // bytes this process knows are in file
	listeners []func(Entry)
}

// New opens or creates an audit log in dir. A genesis block is written
// on first use; otherwise the chain continues from the newest entry.
func New(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	a := &AuditLog{
		dir:      dir,
		lastHash: genesisPrevHash,
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening audit index: %w", err)
	}
	a.index = idx

	if err := a.loadGenesis(); err != nil {
		idx.close()
		return nil, err
	}
	if err := a.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Debug("audit log opened", "dir", dir, "seq", a.seq)
	return a, nil
}

// SetSession tags every following entry with a session ID.
func (a *AuditLog) SetSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = id
}

// OnAppend registers fn to be called with every entry after it is
// persisted. Listeners run on the appending goroutine and must not block.
func (a *AuditLog) OnAppend(fn func(Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Close flushes and closes the audit log and SQLite index.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
		a.file = nil
	}
	if a.index != nil {
		if err := a.index.close(); err != nil {
			errs = append(errs, err)
		}
		a.index = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit log: %v", errs)
	}
	return nil
}

// Record persists a terminal damage-control block.
func (a *AuditLog) Record(ev engine.AuditEvent) {
	outcome := ActionAutoBlocked
	if ev.Cause == engine.CauseUserDenied {
		outcome = ActionUserDenied
	}

	// The payload carries the raw rule reason; Entry.Reason is the full
	// message returned to the host.
	reason := ev.Decision.Reason
	switch {
	case ev.Decision.CommandRule != nil:
		reason = ev.Decision.CommandRule.Reason
	case ev.Decision.PathRule != nil:
		reason = fmt.Sprintf("%s path %s", ev.Decision.PathRule.Class, ev.Decision.PathRule.Pattern)
	}
	payload := map[string]any{"reason": reason, "action": outcome}
	switch act := ev.Action.(type) {
	case engine.BashAction:
		payload["command"] = act.Command
	case engine.FileAction:
		payload["path"] = act.Path
	}

	e := Entry{
		Kind:     KindDamageBlocked,
		Tool:     ev.Action.Tool(),
		Target:   ev.Action.Text(),
		Decision: "block",
		Cause:    string(ev.Cause),
		Rule:     ev.Decision.RuleText(),
		Reason:   ev.Decision.Reason,
		Payload:  payload,
	}
	if !ev.Timestamp.IsZero() {
		e.Timestamp = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	a.append(e)
}

// Append persists an arbitrary session event, such as a mission change or
// a completed inner loop.
func (a *AuditLog) Append(kind string, payload map[string]any) {
	a.append(Entry{
		Kind:     kind,
		Decision: "info",
		Payload:  payload,
	})
}

// LogLifecycle records a server lifecycle event (start, stop, reload).
func (a *AuditLog) LogLifecycle(event string, metadata map[string]any) {
	a.append(Entry{
		Kind:     KindLifecycle,
		Tool:     event,
		Decision: "info",
		Payload:  metadata,
	})
}

// Tail returns the N most recent entries, newest first.
func (a *AuditLog) Tail(limit int) ([]Entry, error) {
	if idx := a.currentIndex(); idx != nil {
		return idx.tail(limit)
	}
	entries, err := a.readAllEntries(limit)
	if err != nil {
		return nil, err
	}
	reverse(entries)
	return entries, nil
}

// Query returns entries matching params, newest first.
func (a *AuditLog) Query(params QueryParams) ([]Entry, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	if idx := a.currentIndex(); idx != nil {
		return idx.query(params)
	}
	return a.readAllEntriesFiltered(params)
}

// Counts returns the number of entries per kind.
func (a *AuditLog) Counts() (map[string]int, error) {
	if idx := a.currentIndex(); idx != nil {
		return idx.counts()
	}
	entries, err := a.readAllEntries(0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Kind]++
	}
	return out, nil
}

// Follow calls fn for every entry appended after the call, by this or
// any other process writing the same directory. Blocks until ctx is done.
func (a *AuditLog) Follow(ctx context.Context, fn func(Entry)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating audit watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(a.dir); err != nil {
		return fmt.Errorf("watching audit directory %s: %w", a.dir, err)
	}

	lastSeq := a.LastSeq()
	deliver := func() {
		entries, err := a.readEntriesAfter(lastSeq)
		if err != nil {
			slog.Error("follow: error reading entries", "error", err)
			return
		}
		for _, e := range entries {
			fn(e)
			if e.Seq > lastSeq {
				lastSeq = e.Seq
			}
		}
	}

	// fsnotify can coalesce or drop events on some filesystems; the
	// ticker is a slow fallback.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".jsonl" || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			deliver()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("audit watcher error", "error", err)
		case <-ticker.C:
			deliver()
		}
	}
}

// LastSeq returns the sequence number of the newest entry.
func (a *AuditLog) LastSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// VerifyChain reads every entry and checks each hash and each link to the
// previous entry, starting from the genesis block.
func (a *AuditLog) VerifyChain() (VerifyResult, error) {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}

	a.mu.Lock()
	prev := a.genesis
	a.mu.Unlock()

	for i := range entries {
		e := &entries[i]
		if !verifyEntry(e) {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   computeHash(e),
				ActualHash:     e.Hash,
			}, nil
		}
		if e.PrevHash != prev {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   prev,
				ActualHash:     e.PrevHash,
			}, nil
		}
		prev = e.Hash
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// Export writes every entry to w, oldest first. Formats: "jsonl"
// (default), "json" and "csv".
func (a *AuditLog) Export(w io.Writer, format string) error {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "ts", "session", "kind", "tool", "target", "decision", "cause", "rule", "reason", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp,
				e.Session,
				e.Kind,
				e.Tool,
				e.Target,
				e.Decision,
				e.Cause,
				e.Rule,
				e.Reason,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// append fills in the chain fields, writes the entry to the daily JSONL
// file and the index, then notifies listeners.
func (a *AuditLog) append(e Entry) {
	a.mu.Lock()

	if err := a.openToday(); err != nil {
		a.mu.Unlock()
		slog.Error("audit write failed", "kind", e.Kind, "error", err)
		return
	}
	a.syncTail()

	a.seq++
	e.Seq = a.seq
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Session == "" {
		e.Session = a.session
	}
	e.PrevHash = a.lastHash
	e.Hash = computeHash(&e)

	if err := a.writeLine(&e); err != nil {
		a.seq--
		a.mu.Unlock()
		slog.Error("audit write failed", "kind", e.Kind, "error", err)
		return
	}
	if a.index != nil {
		a.index.insert(&e)
	}
	a.lastHash = e.Hash
	listeners := a.listeners

	a.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// openToday opens today's JSONL file, rotating when the UTC date
// changes. Caller holds a.mu.
func (a *AuditLog) openToday() error {
	today := time.Now().UTC().Format("2006-01-02")
	if a.file != nil && a.fileDate == today {
		return nil
	}
	if a.file != nil {
		a.file.Close()
	}

	path := filepath.Join(a.dir, today+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file %s: %w", path, err)
	}
	a.file = f
	a.fileDate = today
	a.size = 0
	return nil
}

// syncTail picks up entries appended by another process (a CLI command
// while `pai serve` runs) so the chain continues from the real last
// entry. Caller holds a.mu.
func (a *AuditLog) syncTail() {
	fi, err := a.file.Stat()
	if err != nil || fi.Size() == a.size {
		return
	}
	last, err := readLastEntry(a.file.Name())
	if err != nil {
		slog.Warn("audit: cannot read tail written by another process", "error", err)
		return
	}
	// The other process indexed its own entries in the shared index.db.
	if last != nil && last.Seq >= a.seq {
		a.seq = last.Seq
		a.lastHash = last.Hash
	}
	a.size = fi.Size()
}

// writeLine appends the entry as one JSON line. Caller holds a.mu.
func (a *AuditLog) writeLine(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	a.size += int64(len(data))
	return a.file.Sync()
}

func (a *AuditLog) currentIndex() *sqliteIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// loadGenesis loads or creates the genesis block.
func (a *AuditLog) loadGenesis() error {
	path := filepath.Join(a.dir, "genesis.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a.createGenesis(path)
		}
		return fmt.Errorf("reading genesis: %w", err)
	}

	var genesis Entry
	if err := json.Unmarshal(data, &genesis); err != nil {
		return fmt.Errorf("parsing genesis: %w", err)
	}
	if !verifyEntry(&genesis) {
		return fmt.Errorf("genesis block %s has an invalid hash", path)
	}

	a.genesis = genesis.Hash
	a.lastHash = genesis.Hash
	a.seq = genesis.Seq
	return nil
}

func (a *AuditLog) createGenesis(path string) error {
	genesis := Entry{
		Seq:       0,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      KindLifecycle,
		Tool:      "genesis",
		Decision:  "info",
		PrevHash:  genesisPrevHash,
	}
	genesis.Hash = computeHash(&genesis)

	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	a.genesis = genesis.Hash
	a.lastHash = genesis.Hash
	a.seq = 0
	slog.Info("audit genesis created", "hash", genesis.Hash)
	return nil
}

// recoverState continues the chain from the newest JSONL entry and
// re-indexes anything the index is missing.
func (a *AuditLog) recoverState() error {
	files, err := a.jsonlFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	lastFile := files[len(files)-1]
	if err := endWithNewline(lastFile); err != nil {
		return fmt.Errorf("recovering audit state from %s: %w", lastFile, err)
	}

	// A file holding only a torn line yields no entry; fall back to the
	// previous day.
	var last *Entry
	for i := len(files) - 1; i >= 0 && last == nil; i-- {
		if last, err = readLastEntry(files[i]); err != nil {
			return fmt.Errorf("recovering audit state from %s: %w", files[i], err)
		}
	}
	if last == nil {
		return nil
	}

	a.seq = last.Seq
	a.lastHash = last.Hash
	if a.index != nil {
		a.reindex(files)
	}
	return nil
}

func (a *AuditLog) reindex(files []string) {
	indexed := a.index.lastSeq()
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			slog.Error("reindex: error reading file", "file", file, "error", err)
			continue
		}
		for i := range entries {
			if entries[i].Seq > indexed {
				a.index.insert(&entries[i])
			}
		}
	}
}

// jsonlFiles lists the daily files, oldest first.
func (a *AuditLog) jsonlFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(a.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	return files, nil
}

// readLastEntry returns the last entry of a JSONL file that decodes, or
// nil. Malformed lines, such as one torn by a crash mid-write, are
// skipped.
func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last *Entry
	err = eachLine(f, func(line []byte) {
		var e Entry
		if json.Unmarshal(line, &e) == nil {
			last = &e
		}
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// eachLine calls fn for every non-blank line of r. Lines have no length
// limit.
func eachLine(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// endWithNewline terminates a torn last line so the next entry starts on
// a line of its own.
func endWithNewline(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, fi.Size()-1); err != nil {
		return err
	}
	if b[0] == '\n' {
		return nil
	}
	slog.Warn("audit: terminating torn last line", "file", path)
	_, err = f.Write([]byte{'\n'})
	return err
}

func readEntriesFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	err = eachLine(f, func(line []byte) {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping malformed audit entry", "file", path, "error", err)
			return
		}
		entries = append(entries, e)
	})
	return entries, err
}

// readAllEntries reads every file, oldest first. limit > 0 keeps only the
// newest limit entries.
func (a *AuditLog) readAllEntries(limit int) ([]Entry, error) {
	files, err := a.jsonlFiles()
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// readAllEntriesFiltered is the Query fallback without an index.
func (a *AuditLog) readAllEntriesFiltered(params QueryParams) ([]Entry, error) {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if params.Session != "" && e.Session != params.Session {
			continue
		}
		if params.Kind != "" && e.Kind != params.Kind {
			continue
		}
		if params.Decision != "" && e.Decision != params.Decision {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		filtered = append(filtered, e)
	}

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	reverse(filtered)
	return filtered, nil
}

// readEntriesAfter returns today's entries with seq > afterSeq.
func (a *AuditLog) readEntriesAfter(afterSeq uint64) ([]Entry, error) {
	today := time.Now().UTC().Format("2006-01-02")
	entries, err := readEntriesFromFile(filepath.Join(a.dir, today+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
