package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/keelhq/keel/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func processType(v *engine.PlanVertex) string {
	if v.Process == nil {
		return "none"
	}
	return string(v.Process.ProcessType)
}

// printPlan writes one line per vertex in dependency order.
func printPlan(w io.Writer, plan map[string]*engine.PlanVertex) error {
	dag, err := engine.BuildPlanDAG(plan)
	if err != nil {
		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "LEVEL\tRESOURCE\tTYPE\tPROCESS\tUPSTREAM")
	for level, ids := range dag.Levels() {
		for _, id := range ids {
			v := plan[id]
			upstream := append([]string(nil), v.UpstreamVertices...)
			sort.Strings(upstream)
			resourceType := ""
			if v.ProposedResource != nil {
				resourceType = v.ProposedResource.Type
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", level, id, resourceType, processType(v), joinOrDash(upstream))
		}
	}
	return tw.Flush()
}

// printGraph writes the status of a run and each of its vertices.
func printGraph(w io.Writer, graph *engine.ExecutionGraph) error {
	fmt.Fprintf(w, "Execution: %s\n", graph.ExecutionID)
	fmt.Fprintf(w, "Requester: %s\n", graph.Requester)
	fmt.Fprintf(w, "Status:    %s\n", graph.Status)
	fmt.Fprintf(w, "Started:   %s\n", formatTime(graph.StartTime))
	fmt.Fprintf(w, "Ended:     %s\n\n", formatTime(graph.EndTime))

	ids := make([]string, 0, len(graph.ExecutionPlan))
	for id := range graph.ExecutionPlan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := newTable(w)
	fmt.Fprintln(tw, "RESOURCE\tPROCESS\tSTATUS\tPERSISTED")
	for _, id := range ids {
		v := graph.ExecutionPlan[id]
		status := engine.StatusSucceeded
		if v.Process != nil {
			status = v.Process.EndStatus
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", id, processType(v), status, v.Persisted)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, id := range ids {
		v := graph.ExecutionPlan[id]
		if v.Process == nil {
			continue
		}
		taskIDs := make([]string, 0, len(v.Process.Tasks))
		for taskID := range v.Process.Tasks {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Strings(taskIDs)
		for _, taskID := range taskIDs {
			task := v.Process.Tasks[taskID]
			if !task.Status.IsFailure() || len(task.Stderr) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s/%s %s:\n", id, taskID, task.Status)
			for _, line := range task.Stderr {
				fmt.Fprintf(w, "  %s\n", line.Message)
			}
		}
	}
	return nil
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
