package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/bull/recordsync/internal/storage"
)

// ReplaySectionFormat opens the section of one file in a replay log.
const ReplaySectionFormat = "=== Extra MongoDB Documents for %s ==="

// FileDiff lists the exact records that disagree for one file.
type FileDiff struct {
	FileName string `json:"fileName"`
	// Dangling are documents with no vector.
	Dangling []storage.Record `json:"dangling"`
	// Stale are vector codes with no document of this file.
	Stale []string `json:"stale"`
}

// Diff is the follow-up pass of an audit: it compares the code sets of a
// file instead of counts.
func (a *Auditor) Diff(ctx context.Context, fileName string) (*FileDiff, error) {
	records, err := a.docs.ListByFile(ctx, fileName, "")
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", fileName, err)
	}
	ids, err := a.vectors.IDs(ctx, storage.Filter{FileName: fileName}, 0)
	if err != nil {
		return nil, fmt.Errorf("scan vectors of %s: %w", fileName, err)
	}

	inVectors := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inVectors[id] = struct{}{}
	}
	inDocs := make(map[string]struct{}, len(records))

	diff := &FileDiff{FileName: fileName, Dangling: []storage.Record{}, Stale: []string{}}
	for _, r := range records {
		inDocs[r.Code] = struct{}{}
		if _, ok := inVectors[r.Code]; !ok {
			diff.Dangling = append(diff.Dangling, r)
		}
	}
	for _, id := range ids {
		if _, ok := inDocs[id]; !ok {
			diff.Stale = append(diff.Stale, id)
		}
	}
	sort.Strings(diff.Stale)
	return diff, nil
}

// DiffAll runs Diff for every file of the report with a non-zero delta.
func (a *Auditor) DiffAll(ctx context.Context, report *Report) ([]*FileDiff, error) {
	var diffs []*FileDiff
	for _, f := range report.Files {
		if f.Delta == 0 && !f.Truncated {
			continue
		}
		d, err := a.Diff(ctx, f.FileName)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, nil
}

// WriteReplayLog writes the dangling documents of diffs in the replay log
// format read by the repair engine: one section per file, each document as
// indented JSON followed by a blank line.
func WriteReplayLog(w io.Writer, diffs []*FileDiff) error {
	bw := bufio.NewWriter(w)
	for _, d := range diffs {
		if len(d.Dangling) == 0 {
			continue
		}
		fmt.Fprintf(bw, ReplaySectionFormat+"\n", d.FileName)
		for _, r := range d.Dangling {
			data, err := json.MarshalIndent(r, "", "  ")
			if err != nil {
				return fmt.Errorf("encode %s: %w", r.Code, err)
			}
			bw.Write(data)
			bw.WriteString("\n\n")
		}
	}
	return bw.Flush()
}
