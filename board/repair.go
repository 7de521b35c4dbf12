package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/kaptinlin/jsonrepair"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// ErrNothingSalvaged is the cause of the CORRUPTION error Repair returns
// when no record can be recovered. The board file is left in place.
var ErrNothingSalvaged = errors.New("no salvageable records")

// Salvage strategies, tried in order.
const (
	StrategyStrict  = "strict"
	StrategyScan    = "scan"
	StrategyRepair  = "jsonrepair"
	StrategyMissing = "missing"
)

// DroppedRecord describes a record Repair discarded.
type DroppedRecord struct {
	// Index is the record's position among the candidates the strategy
	// recovered, unrecoverable byte spans included.
	Index  int    `json:"index"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason"`
}

// RepairReport describes a repair.
type RepairReport struct {
	Strategy string          `json:"strategy"`
	Kept     int             `json:"kept"`
	Dropped  []DroppedRecord `json:"dropped"`

	// BackupPath is where the original bytes were preserved. Empty when the
	// board did not need rewriting.
	BackupPath string `json:"backup_path,omitempty"`
}

// Rewritten reports whether Repair replaced the board file.
func (r *RepairReport) Rewritten() bool {
	return r.BackupPath != ""
}

// Repair salvages every structurally valid record from a damaged board,
// drops the rest and rewrites a valid board. The original bytes are kept at
// <name>.json.corrupt. Records failing the schema, older copies of a
// repeated task_id and byte spans that hold no recoverable object are
// dropped and listed in the report. A healthy board is left untouched.
func (s *Store) Repair(ctx context.Context, name string) (report *RepairReport, err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "repair", name)
	defer func() {
		s.metrics.ObserveBoardOp("repair", err)
		telemetry.End(span, err)
	}()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, name, lockExclusive)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return &RepairReport{Strategy: StrategyMissing, Dropped: []DroppedRecord{}}, nil
	}
	if err != nil {
		return nil, swarmerr.Wrap(err, "read board "+name, swarmerr.WithBoard(name))
	}

	report, kept := salvage(raw)
	if len(kept) == 0 {
		s.logger.Error("repair refused: nothing salvageable, board left in place", map[string]interface{}{
			"board":    name,
			"strategy": report.Strategy,
			"dropped":  len(report.Dropped),
		})
		return report, swarmerr.Corruption(fmt.Sprintf("board %s: %v", name, ErrNothingSalvaged),
			swarmerr.WithBoard(name), swarmerr.WithCause(ErrNothingSalvaged))
	}

	if report.Strategy == StrategyStrict && len(report.Dropped) == 0 {
		return report, nil
	}

	backup := s.backupPath(name)
	if err := fsutil.WriteFileAtomic(backup, raw, 0o644); err != nil {
		return nil, swarmerr.Wrap(err, "back up corrupt board "+name, swarmerr.WithBoard(name))
	}
	if err := s.store(name, kept); err != nil {
		return nil, err
	}
	report.BackupPath = backup

	for _, d := range report.Dropped {
		s.logger.Warn("record dropped", map[string]interface{}{
			"board": name, "index": d.Index, "task_id": d.TaskID, "reason": d.Reason,
		})
	}
	s.logger.Info("board repaired", map[string]interface{}{
		"board": name, "strategy": report.Strategy, "kept": report.Kept,
		"dropped": len(report.Dropped), "backup": backup,
	})
	return report, nil
}

// candidate is one record a strategy recovered. A candidate with lost set
// stands for bytes the strategy could not turn into a JSON object.
type candidate struct {
	raw  json.RawMessage
	lost string
}

// salvage runs the strategy chain and returns the first one that recovers
// at least one valid record. If none does, the report of the last strategy
// that produced candidates is returned with no records.
func salvage(raw []byte) (*RepairReport, []tasks.Task) {
	var last *RepairReport

	strategies := []struct {
		name string
		fn   func([]byte) []candidate
	}{
		{StrategyStrict, strictCandidates},
		{StrategyScan, scanCandidates},
		{StrategyRepair, repairedCandidates},
	}
	for _, st := range strategies {
		candidates := st.fn(raw)
		if len(candidates) == 0 {
			continue
		}
		report, kept := filterCandidates(st.name, candidates)
		if len(kept) > 0 {
			return report, kept
		}
		last = report
	}
	if last == nil {
		last = &RepairReport{Strategy: StrategyRepair, Dropped: []DroppedRecord{}}
	}
	return last, nil
}

// Reason recorded for the older copy of a repeated task_id.
const reasonOlderDuplicate = "duplicate task_id (older)"

// filterCandidates keeps schema-valid records. Repeated task_ids collapse
// the way ResolveDuplicates does: the latest updated_at wins, a tie goes to
// the later occurrence, and the survivor takes the first occurrence's slot.
func filterCandidates(strategy string, candidates []candidate) (*RepairReport, []tasks.Task) {
	report := &RepairReport{Strategy: strategy, Dropped: []DroppedRecord{}}
	kept := make([]tasks.Task, 0, len(candidates))
	// task_id -> slot in kept and the candidate index that filled it.
	type slot struct{ pos, index int }
	seen := make(map[string]slot, len(candidates))

	for i, c := range candidates {
		if c.lost != "" {
			report.Dropped = append(report.Dropped, DroppedRecord{Index: i, Reason: c.lost})
			continue
		}
		t, err := tasks.DecodeRecord(c.raw)
		if err != nil {
			report.Dropped = append(report.Dropped, DroppedRecord{Index: i, TaskID: peekTaskID(c.raw), Reason: err.Error()})
			continue
		}
		prev, dup := seen[t.TaskID]
		if !dup {
			seen[t.TaskID] = slot{pos: len(kept), index: i}
			kept = append(kept, t)
			continue
		}
		if t.UpdatedAt.Before(kept[prev.pos].UpdatedAt) {
			report.Dropped = append(report.Dropped, DroppedRecord{Index: i, TaskID: t.TaskID, Reason: reasonOlderDuplicate})
			continue
		}
		report.Dropped = append(report.Dropped, DroppedRecord{Index: prev.index, TaskID: t.TaskID, Reason: reasonOlderDuplicate})
		kept[prev.pos] = t
		seen[t.TaskID] = slot{pos: prev.pos, index: i}
	}
	sort.SliceStable(report.Dropped, func(a, b int) bool {
		return report.Dropped[a].Index < report.Dropped[b].Index
	})
	report.Kept = len(kept)
	return report, kept
}

func peekTaskID(raw json.RawMessage) string {
	var head struct {
		TaskID interface{} `json:"task_id"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	if id, ok := head.TaskID.(string); ok {
		return id
	}
	return ""
}

func wrapRaw(elems []json.RawMessage) []candidate {
	out := make([]candidate, len(elems))
	for i, e := range elems {
		out[i] = candidate{raw: e}
	}
	return out
}

// strictElements returns the array elements when raw is a valid JSON array.
func strictElements(raw []byte) []json.RawMessage {
	var elems []json.RawMessage
	if json.Unmarshal(raw, &elems) != nil || elems == nil {
		return nil
	}
	return elems
}

func strictCandidates(raw []byte) []candidate {
	return wrapRaw(strictElements(raw))
}

// repairedCandidates runs jsonrepair over the raw bytes. A repaired single
// object is treated as a one-record board.
func repairedCandidates(raw []byte) []candidate {
	fixed, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil
	}
	if elems := strictElements([]byte(fixed)); elems != nil {
		return wrapRaw(elems)
	}
	trimmed := bytes.TrimSpace([]byte(fixed))
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return []candidate{{raw: trimmed}}
	}
	return nil
}

// scanCandidates returns the objects scanObjects finds and the spans it
// could not recover, in byte order.
func scanCandidates(raw []byte) []candidate {
	objs, lost := scanObjects(raw)
	if len(objs) == 0 {
		// Nothing to keep; let the next strategy try.
		return nil
	}
	out := make([]candidate, 0, len(objs)+len(lost))
	for _, o := range objs {
		for len(lost) > 0 && lost[0].offset < o.offset {
			out = append(out, candidate{lost: lost[0].reason()})
			lost = lost[1:]
		}
		out = append(out, candidate{raw: o.raw})
	}
	for _, l := range lost {
		out = append(out, candidate{lost: l.reason()})
	}
	return out
}

// scannedObject is a balanced, valid JSON object found at offset.
type scannedObject struct {
	offset int
	raw    json.RawMessage
}

// lostSpan is an object opened at offset that could not be recovered.
type lostSpan struct {
	offset       int
	unterminated bool
}

func (l lostSpan) reason() string {
	if l.unterminated {
		return fmt.Sprintf("unterminated object at byte %d", l.offset)
	}
	return fmt.Sprintf("invalid object at byte %d", l.offset)
}

// scanObjects extracts every balanced JSON object from raw, honouring
// strings and escapes. Bytes between objects are ignored. When an object
// never closes, or closes but is not valid JSON, its opening brace is
// recorded as lost and scanning resumes at the next byte, so records
// swallowed by a stray brace are still found.
func scanObjects(raw []byte) ([]scannedObject, []lostSpan) {
	var (
		objs []scannedObject
		lost []lostSpan
	)
	for i := 0; i < len(raw); {
		if raw[i] != '{' {
			i++
			continue
		}
		end := matchBrace(raw, i)
		if end >= 0 && json.Valid(raw[i:end+1]) {
			objs = append(objs, scannedObject{offset: i, raw: json.RawMessage(raw[i : end+1])})
			i = end + 1
			continue
		}
		lost = append(lost, lostSpan{offset: i, unterminated: end < 0})
		i++
	}
	return objs, lost
}

// matchBrace returns the index closing the object opened at raw[start], or
// -1 if it is still open at EOF.
func matchBrace(raw []byte, start int) int {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i := start; i < len(raw); i++ {
		b := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DedupeResult reports the outcome of ResolveDuplicates.
type DedupeResult struct {
	// Status is "resolved" when records were removed, else "clean".
	Status             string `json:"status"`
	DuplicatesResolved int    `json:"duplicates_resolved"`
}

// ResolveDuplicates collapses records sharing a task_id to the one with the
// latest updated_at; on a tie or missing timestamps the later occurrence
// wins. Survivors keep the position of their id's first occurrence. Content
// that is otherwise invalid fails with a CORRUPTION error.
func (s *Store) ResolveDuplicates(ctx context.Context, name string) (result *DedupeResult, err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "resolve_duplicates", name)
	defer func() {
		s.metrics.ObserveBoardOp("resolve_duplicates", err)
		telemetry.End(span, err)
	}()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, name, lockExclusive)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return &DedupeResult{Status: "clean"}, nil
	}
	if err != nil {
		return nil, swarmerr.Wrap(err, "read board "+name, swarmerr.WithBoard(name))
	}
	list, err := decodeBoard(raw)
	if err != nil {
		return nil, swarmerr.Corruption(fmt.Sprintf("board %s: %v", name, err),
			swarmerr.WithBoard(name), swarmerr.WithCause(err))
	}

	deduped := dedupe(list)
	removed := len(list) - len(deduped)
	if removed == 0 {
		return &DedupeResult{Status: "clean"}, nil
	}
	if err := s.store(name, deduped); err != nil {
		return nil, err
	}
	s.logger.Info("duplicates resolved", map[string]interface{}{"board": name, "removed": removed})
	return &DedupeResult{Status: "resolved", DuplicatesResolved: removed}, nil
}

func dedupe(list []tasks.Task) []tasks.Task {
	index := make(map[string]int, len(list))
	out := make([]tasks.Task, 0, len(list))
	for _, t := range list {
		i, ok := index[t.TaskID]
		if !ok {
			index[t.TaskID] = len(out)
			out = append(out, t)
			continue
		}
		if !t.UpdatedAt.Before(out[i].UpdatedAt) {
			out[i] = t
		}
	}
	return out
}
