package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Edge columns. blocked_by lists the tasks this one waits on, blocks the
// inverse; the store keeps the two mirrored.
const (
	colBlockedBy = "blocked_by"
	colBlocks    = "blocks"
)

// filterRefs normalizes a caller-supplied id list: trims, drops empties,
// self-references, duplicates and ids not present in known. Unknown ids are
// a no-op filter, never an error; a caller racing a delete should not crash
// the queue. Returns nil when nothing survives.
func filterRefs(refs []string, known map[string]struct{}, self string) []string {
	var out []string
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || r == self {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		if _, ok := known[r]; !ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// sanitizeEdges drops edge entries whose target no longer exists. Stored
// rows may hold stale ids after out-of-band edits; reads never surface them.
func sanitizeEdges(t *Task, known map[string]struct{}) {
	t.BlockedBy = keepKnown(t.BlockedBy, known)
	t.Blocks = keepKnown(t.Blocks, known)
}

func keepKnown(refs []string, known map[string]struct{}) []string {
	if len(refs) == 0 {
		return nil
	}
	var out []string
	for _, r := range refs {
		if _, ok := known[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// sanitizeAll sanitizes every task against the ids present in the slice
// itself.
func sanitizeAll(tasks []Task) []Task {
	known := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		known[tasks[i].ID] = struct{}{}
	}
	for i := range tasks {
		sanitizeEdges(&tasks[i], known)
	}
	return tasks
}

// appendEdgeTx adds ref to the given edge column of task id, keeping order
// and skipping when already present.
func appendEdgeTx(ctx context.Context, tx *sql.Tx, project, id, column, ref string) error {
	var raw sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM tasks WHERE project_path = ? AND id = ?`, project, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	var refs []string
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &refs); err != nil {
			return fmt.Errorf("task %s: decode %s: %w", id, column, err)
		}
	}
	for _, r := range refs {
		if r == ref {
			return nil
		}
	}
	refs = append(refs, ref)
	buf, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET `+column+` = ? WHERE project_path = ? AND id = ?`, string(buf), project, id)
	return err
}

// stripRefsTx removes every id in gone from all edge lists in the project.
// A list emptied by the strip is stored as NULL, not as an empty array.
func stripRefsTx(ctx context.Context, tx *sql.Tx, project string, gone map[string]struct{}) error {
	type patch struct {
		id        string
		blockedBy any
		blocks    any
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, blocked_by, blocks FROM tasks
		 WHERE project_path = ? AND (blocked_by IS NOT NULL OR blocks IS NOT NULL)`, project)
	if err != nil {
		return err
	}
	var patches []patch
	for rows.Next() {
		var id string
		var rawBlockedBy, rawBlocks sql.NullString
		if err := rows.Scan(&id, &rawBlockedBy, &rawBlocks); err != nil {
			rows.Close()
			return err
		}
		blockedBy, changedBy, err := dropIDs(rawBlockedBy, gone)
		if err != nil {
			rows.Close()
			return fmt.Errorf("task %s: %w", id, err)
		}
		blocks, changedBl, err := dropIDs(rawBlocks, gone)
		if err != nil {
			rows.Close()
			return fmt.Errorf("task %s: %w", id, err)
		}
		if changedBy || changedBl {
			patches = append(patches, patch{id: id, blockedBy: blockedBy, blocks: blocks})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	// Single connection: the cursor must be drained before issuing writes.
	rows.Close()

	for _, p := range patches {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET blocked_by = ?, blocks = ? WHERE project_path = ? AND id = ?`,
			p.blockedBy, p.blocks, project, p.id); err != nil {
			return err
		}
	}
	return nil
}

// dropIDs returns the stored value for an edge column with every id in gone
// removed. The second return reports whether the column changed.
func dropIDs(raw sql.NullString, gone map[string]struct{}) (any, bool, error) {
	if !raw.Valid || raw.String == "" {
		return nil, false, nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(raw.String), &refs); err != nil {
		return nil, false, fmt.Errorf("decode edges: %w", err)
	}
	kept := refs[:0:0]
	for _, r := range refs {
		if _, dead := gone[r]; !dead {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(refs) {
		return raw.String, false, nil
	}
	if len(kept) == 0 {
		return nil, true, nil
	}
	buf, err := json.Marshal(kept)
	if err != nil {
		return nil, false, err
	}
	return string(buf), true, nil
}
