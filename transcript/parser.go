package transcript

import (
	"fmt"
	"log"
	"time"
)

// Checkpoint records how far a session file has been parsed.
type Checkpoint struct {
	Line  int
	Size  int64
	MTime time.Time
}

// Outcome is the parse strategy the decision table selected.
type Outcome int

const (
	OutcomeSkip Outcome = iota
	OutcomeDelta
	OutcomeRebuild
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkip:
		return "skip"
	case OutcomeDelta:
		return "delta"
	case OutcomeRebuild:
		return "rebuild"
	default:
		return "unknown"
	}
}

// Result is what one Reconcile call observed.
//
// Records holds only conversational records; internal bookkeeping lines and
// unparseable lines are dropped but still advance the checkpoint, so a bad
// line is skipped exactly once. On OutcomeRebuild, Records is the complete
// set for the file and any previously cached turns must be replaced.
type Result struct {
	Outcome     Outcome
	Records     []*Record
	Checkpoint  Checkpoint
	Malformed   int
	SummaryOnly bool
}

// Parser decides, from file metadata against a stored checkpoint, whether a
// session file needs no work, a tail read, or a full re-read.
type Parser struct {
	store *Store
}

func NewParser(store *Store) *Parser {
	return &Parser{store: store}
}

// Reconcile runs the decision table:
//
//  1. size and mtime unchanged        -> skip, no reads at all
//  2. line count unchanged            -> skip (mtime moved but content did
//     not, e.g. a touch); checkpoint size/mtime refresh so the next call
//     stops at step 1
//  3. line count grew                 -> delta: read only the new tail
//  4. line count shrank               -> rebuild: the file was rewritten
//     underneath us, re-read everything
func (p *Parser) Reconcile(path string, cp Checkpoint) (*Result, error) {
	meta, err := p.store.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if meta.Size == cp.Size && !meta.MTime.After(cp.MTime) {
		return &Result{Outcome: OutcomeSkip, Checkpoint: cp}, nil
	}

	count, err := p.store.CountLines(path)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", path, err)
	}

	next := Checkpoint{Line: count, Size: meta.Size, MTime: meta.MTime}

	if count == cp.Line {
		return &Result{Outcome: OutcomeSkip, Checkpoint: next}, nil
	}

	if count > cp.Line {
		res, err := p.parseRange(path, cp.Line, count)
		if err != nil {
			return nil, err
		}
		res.Outcome = OutcomeDelta
		res.Checkpoint = next
		res.SummaryOnly = cp.Line == 0 && summaryOnly(count, res.Records)
		return res, nil
	}

	log.Printf("Warning: transcript %s shrank from %d to %d lines, rebuilding", path, cp.Line, count)
	res, err := p.parseRange(path, 0, count)
	if err != nil {
		return nil, err
	}
	res.Outcome = OutcomeRebuild
	res.Checkpoint = next
	res.SummaryOnly = summaryOnly(count, res.Records)
	return res, nil
}

func (p *Parser) parseRange(path string, after, through int) (*Result, error) {
	lines, err := p.store.ReadLines(path, after, through)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	res := &Result{}
	for _, line := range lines {
		rec, err := ParseLine(line)
		if err != nil {
			res.Malformed++
			continue
		}
		if rec == nil {
			continue
		}
		if rec.Conversational() || rec.Kind == KindSummary {
			res.Records = append(res.Records, rec)
		}
	}
	if res.Malformed > 0 {
		log.Printf("Warning: skipped %d malformed lines in %s", res.Malformed, path)
	}
	return res, nil
}

// summaryOnly reports whether a whole-file read found nothing but a single
// session-summary record. Such files describe another session and are not
// conversations themselves.
func summaryOnly(lineCount int, records []*Record) bool {
	return lineCount == 1 && len(records) == 1 && records[0].Kind == KindSummary
}
