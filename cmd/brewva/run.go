package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"brewva/internal/arena"
	"brewva/internal/events"
	"brewva/internal/pipeline"
	"brewva/internal/utils/id"
)

// identityFileName is the workspace charter injected into the identity zone.
const identityFileName = "BREWVA.md"

// runPrompt executes one scripted turn: seed the arena, plan the context,
// and report what the agent harness would receive.
func (cli *CLI) runPrompt(prompt string) error {
	rt := cli.rt
	sessionID := cli.sessionID

	code := rt.life.Run(context.Background(), sessionID, func(ctx context.Context) error {
		if err := rt.store.Append(ctx, events.New(sessionID, events.TypeSessionStart, 0, map[string]any{
			"model":     cli.cfg.Model,
			"workspace": cli.cfg.Workspace,
		})); err != nil {
			return err
		}
		if err := rt.life.OnTurnStart(ctx, sessionID, 1); err != nil {
			return err
		}

		rt.tasks.SetSpec(sessionID, prompt)
		cli.injectIdentity(ctx, sessionID)
		rt.arena.Append(sessionID, arena.Entry{
			Source:   "brewva.task",
			ID:       "spec",
			Content:  prompt,
			Priority: arena.PriorityCritical,
		})
		cli.injectRecall(sessionID, prompt)

		plan := rt.arena.Plan(sessionID, cli.cfg.Arena.TotalTokenBudget, arena.PlanOptions{Turn: 1})
		rt.arena.Commit(sessionID, plan.ConsumedKeys)

		if cli.printMode || !isTTY() {
			fmt.Println(plan.Content)
		} else {
			fmt.Printf("%s session %s\n\n", bold("brewva"), cyan(sessionID))
			fmt.Println(plan.Content)
		}
		summary := rt.costs.Summary(sessionID)
		fmt.Printf("\n%s %d entries, %d tokens planned, $%.4f spent\n",
			gray("--"), len(plan.Entries), plan.TotalTokens, summary.TotalCostUSD)

		rt.life.Shutdown(ctx, sessionID, 1)
		return nil
	})
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// scriptStep is one ndjson line on stdin in --mode json: a tool invocation
// plus its scripted result.
type scriptStep struct {
	Tool     string         `json:"tool"`
	Command  string         `json:"command"`
	Skill    string         `json:"skill"`
	Args     map[string]any `json:"args"`
	Turn     int            `json:"turn"`
	Success  bool           `json:"success"`
	ExitCode int            `json:"exitCode"`
	Output   string         `json:"output"`
}

type stepReport struct {
	Tool       string `json:"tool"`
	Turn       int    `json:"turn"`
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason,omitempty"`
	Success    bool   `json:"success"`
	EvidenceID string `json:"evidenceId,omitempty"`
	PatchSetID string `json:"patchSetId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// runScripted drives the pipeline from ndjson steps on stdin and emits one
// ndjson report per step.
func (cli *CLI) runScripted(prompt string) error {
	rt := cli.rt
	sessionID := cli.sessionID
	out := json.NewEncoder(os.Stdout)

	code := rt.life.Run(context.Background(), sessionID, func(ctx context.Context) error {
		if err := rt.life.OnTurnStart(ctx, sessionID, 1); err != nil {
			return err
		}
		if prompt != "" {
			rt.tasks.SetSpec(sessionID, prompt)
		}

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		turn := 1
		for scanner.Scan() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var step scriptStep
			if err := json.Unmarshal(line, &step); err != nil {
				_ = out.Encode(stepReport{Error: fmt.Sprintf("bad step: %v", err)})
				continue
			}
			if step.Turn > turn {
				turn = step.Turn
				if err := rt.life.OnTurnStart(ctx, sessionID, turn); err != nil {
					return err
				}
			}

			inv := pipeline.Invocation{
				SessionID:  sessionID,
				Turn:       turn,
				ToolCallID: id.NewEventID(),
				ToolName:   step.Tool,
				Skill:      step.Skill,
				Command:    step.Command,
				Args:       step.Args,
			}
			result := pipeline.Result{Success: step.Success, ExitCode: step.ExitCode, Output: step.Output}
			outcome, err := rt.pipe.Execute(ctx, inv, pipeline.DispatcherFunc(
				func(context.Context, pipeline.Invocation) (pipeline.Result, error) {
					return result, nil
				}))

			report := stepReport{Tool: step.Tool, Turn: turn}
			switch {
			case err != nil:
				report.Error = err.Error()
			case outcome.Blocked:
				report.Blocked = true
				report.Reason = outcome.BlockReason
			default:
				report.Success = outcome.Result.Success
				report.EvidenceID = outcome.EvidenceID
				if outcome.PatchSet != nil {
					report.PatchSetID = outcome.PatchSet.ID
				}
			}
			_ = out.Encode(report)
			if err := rt.tape.ObserveAppend(ctx, sessionID, turn); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		rt.life.Shutdown(ctx, sessionID, turn)
		return nil
	})
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// injectIdentity loads the workspace charter into the identity zone when
// present. Read failures are recorded, never fatal.
func (cli *CLI) injectIdentity(ctx context.Context, sessionID string) {
	path := filepath.Join(cli.cfg.Workspace, identityFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			_ = cli.rt.store.Append(ctx, events.New(sessionID, events.TypeIdentityParseWarning, 1, map[string]any{
				"path":  path,
				"error": err.Error(),
			}))
		}
		return
	}
	cli.rt.arena.Append(sessionID, arena.Entry{
		Source:   "brewva.identity",
		ID:       "workspace",
		Content:  string(data),
		Priority: arena.PriorityCritical,
	})
}

// injectRecall feeds recall hits for the prompt into the recall zone.
func (cli *CLI) injectRecall(sessionID, prompt string) {
	hits, err := cli.rt.recall.Recall(sessionID, prompt, cli.cfg.Memory.RecallLimit)
	if err != nil {
		return
	}
	for _, hit := range hits {
		cli.rt.arena.Append(sessionID, arena.Entry{
			Source:  "memory.recall",
			ID:      hit.Unit.ID,
			Content: hit.Unit.Content,
		})
	}
}
