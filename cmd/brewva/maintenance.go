package main

import (
	"context"
	"fmt"
	"strings"

	"brewva/internal/events"
	"brewva/internal/tape"
)

// runUndo rolls back the last recorded patch set for the session.
func (cli *CLI) runUndo() error {
	rt := cli.rt
	sessionID := cli.sessionID
	ctx := context.Background()

	if err := rt.life.EnsureHydrated(ctx, sessionID); err != nil {
		return &exitError{code: 1, err: err}
	}
	result := rt.patches.RollbackLast(sessionID)
	_ = rt.store.Append(ctx, events.New(sessionID, events.TypeRollback, cli.rt.life.View(sessionID).Turn, map[string]any{
		"patchSetId": result.PatchSetID,
		"outcome":    result.Reason,
		"ok":         result.OK,
	}))

	switch {
	case result.OK:
		fmt.Printf("%s rolled back %s (%d files)\n", green("ok"), result.PatchSetID, len(result.Restored))
		for _, path := range result.Restored {
			fmt.Printf("  %s\n", gray(path))
		}
		return nil
	case result.Reason == "no_history":
		fmt.Printf("%s nothing to undo\n", gray("--"))
		return nil
	default:
		fmt.Printf("%s rollback failed: %s\n", red("error"), result.Reason)
		if len(result.FailedPaths) > 0 {
			fmt.Printf("  failed: %s\n", strings.Join(result.FailedPaths, ", "))
		}
		return &exitError{code: 1}
	}
}

// runReplay renders the session's event tape as a transcript.
func (cli *CLI) runReplay() error {
	list, err := cli.rt.store.List(context.Background(), cli.sessionID, events.Filter{})
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if len(list) == 0 {
		fmt.Printf("%s no events for session %s\n", gray("--"), cli.sessionID)
		return nil
	}
	fmt.Print(tape.Replay(list))
	return nil
}
