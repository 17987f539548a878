package patch

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffLineStats counts added and deleted lines between two versions of a
// text file. Binary-looking content is reported as a single changed line.
func diffLineStats(before, after string) (added, deleted int) {
	if before == after {
		return 0, 0
	}
	if isBinary(before) || isBinary(after) {
		return 1, 1
	}

	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffMainRunes(beforeRunes, afterRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	for _, d := range diffs {
		count := strings.Count(d.Text, "\n")
		if count == 0 && d.Text != "" {
			count = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += count
		case diffmatchpatch.DiffDelete:
			deleted += count
		}
	}
	return added, deleted
}

func isBinary(content string) bool {
	const sample = 8000
	limit := len(content)
	if limit > sample {
		limit = sample
	}
	return strings.ContainsRune(content[:limit], '\x00')
}
