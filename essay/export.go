package essay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportedRevision is the content of a plan_research_rev_N.json file.
type ExportedRevision struct {
	Revision int      `json:"revision"`
	Plan     string   `json:"plan"`
	Queries  []string `json:"queries"`
	Research []string `json:"research"`
}

// Export writes one draft_rev_N.md and one plan_research_rev_N.json per
// draft in the thread's history into dir, creating it if needed. It
// returns the written paths in revision order.
func (w *Writer) Export(ctx context.Context, threadID, dir string) ([]string, error) {
	cps, err := w.engine.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	var written []string
	seen := make(map[int]bool)
	// Walk newest first so a draft edited after generation wins.
	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]
		if cp.LastNode != NodeGenerate || cp.State.Draft == "" || seen[cp.State.RevisionNumber] {
			continue
		}
		rev := cp.State.RevisionNumber
		seen[rev] = true

		draftPath := filepath.Join(dir, fmt.Sprintf("draft_rev_%d.md", rev))
		if err := os.WriteFile(draftPath, []byte(cp.State.Draft+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		data, err := json.MarshalIndent(ExportedRevision{
			Revision: rev,
			Plan:     cp.State.Plan,
			Queries:  cp.State.Queries,
			Research: cp.State.ResearchContent,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		researchPath := filepath.Join(dir, fmt.Sprintf("plan_research_rev_%d.json", rev))
		if err := os.WriteFile(researchPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		written = append([]string{draftPath, researchPath}, written...)
	}
	return written, nil
}
