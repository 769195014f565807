package chain

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/scootdev/escalate/checkpoint"
	"github.com/scootdev/escalate/checkpoint/sqlmirror"
)

// RenderStatus writes a per-round breakdown table for c, in the teacher's
// plain tabwriter idiom: overall chain state first, then one row per round
// with its level, job ids, state, and outcome counts.
func RenderStatus(w io.Writer, c *checkpoint.Chain) {
	fmt.Fprintf(w, "chain %s  state=%s  script=%s\n", c.ID, c.State, c.Script)
	if c.FailureReason != "" {
		fmt.Fprintf(w, "  reason: %s\n", c.FailureReason)
	}
	if len(c.ResidualOOM) > 0 || len(c.ResidualTimeout) > 0 {
		fmt.Fprintf(w, "  residual oom=%v timeout=%v\n", c.ResidualOOM, c.ResidualTimeout)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tAXIS\tLEVEL\tMEMORY\tTIME\tSTATE\tJOBS\tCOMPLETED\tOOM\tTIMEOUT\tOTHER")
	for _, r := range c.Rounds {
		axis := string(r.Axis)
		if axis == "" {
			axis = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.Number, axis, r.LevelIndex, r.Memory, r.WallTime, r.State,
			strings.Join(r.JobIDs, ","), r.Counts.Completed, r.Counts.OOM, r.Counts.Timeout, r.Counts.Other)
	}
	tw.Flush()
}

// RenderReport writes a markdown test report for c. With detailed set it
// adds a per-task table built from each round's checkpointed Tasks and,
// when mirror is non-nil, an action timeline read from the SQL mirror.
func RenderReport(w io.Writer, c *checkpoint.Chain, mirror *sqlmirror.Mirror, detailed bool) {
	fmt.Fprintf(w, "## Chain: %s\n\n", c.ID)
	fmt.Fprintf(w, "- Script: `%s %s`\n", c.Script, strings.Join(c.Args, " "))
	fmt.Fprintf(w, "- State: %s\n", c.State)
	fmt.Fprintf(w, "- Mode: %s\n", c.Ladder.Mode)
	fmt.Fprintf(w, "- Created: %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
	if c.FailureReason != "" {
		fmt.Fprintf(w, "- Failure reason: %s\n", c.FailureReason)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "### Rounds")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| round | axis | level | memory | time | state | completed | oom | timeout | other |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|---|")
	for _, r := range c.Rounds {
		axis := string(r.Axis)
		if axis == "" {
			axis = "-"
		}
		fmt.Fprintf(w, "| %d | %s | %d | %s | %s | %s | %d | %d | %d | %d |\n",
			r.Number, axis, r.LevelIndex, r.Memory, r.WallTime, r.State,
			r.Counts.Completed, r.Counts.OOM, r.Counts.Timeout, r.Counts.Other)
	}
	fmt.Fprintln(w)

	if !detailed {
		return
	}
	fmt.Fprintln(w, "### Task detail")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| round | index | state | exit_code | node | peak_mem_kb |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, r := range c.Rounds {
		for _, t := range r.Tasks {
			fmt.Fprintf(w, "| %d | %d | %s | %d | %s | %d |\n", r.Number, t.Index, t.State, t.ExitCode, t.Node, t.PeakMemKB)
		}
	}
	fmt.Fprintln(w)

	if mirror == nil {
		return
	}
	actions, err := mirror.Actions(c.ID)
	if err != nil {
		fmt.Fprintf(w, "_could not read action timeline from mirror: %v_\n", err)
		return
	}
	if len(actions) == 0 {
		return
	}
	fmt.Fprintln(w, "### Timeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| time | action | job_id | level | indices |")
	fmt.Fprintln(w, "|---|---|---|---|---|")
	for _, a := range actions {
		fmt.Fprintf(w, "| %s | %s | %s | %d | %s |\n", a.Timestamp, a.Action, a.JobID, a.Level, a.Indices)
	}
	fmt.Fprintln(w)
}
