package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"docload/internal/service"
	"docload/internal/storage"
)

func printOutcome(w io.Writer, out *service.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "COLLECTION\tMODE\tSTATUS\tROWS\tINSERTED\tSKIPPED\tDURATION\tERROR")
	for _, e := range out.Entities() {
		msg := e.Error
		if e.IndexError != "" {
			msg = "index: " + e.IndexError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.Collection, e.Mode, e.Status, e.RowsRead, e.Inserted, e.Skipped,
			e.Duration.Round(time.Millisecond), msg)
	}
	state := "done"
	if out.Failed() {
		state = "failed"
	}
	fmt.Fprintf(tw, "\n%s %s %s in %s\n", out.Version, out.Mode, state,
		out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
}

func printCheck(w io.Writer, r *service.CheckReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	names := make([]string, 0, len(r.Tables))
	for name := range r.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(tw, "TABLE\tCOLUMNS")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, r.Tables[name])
	}
	for _, name := range r.Missing {
		fmt.Fprintf(tw, "%s\tmissing\n", name)
	}
}

func printRuns(w io.Writer, runs []storage.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tVERSION\tMODE\tSTATE\tINSERTED\tSKIPPED\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Version, r.Mode, r.State, r.Inserted, r.Skipped,
			r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
	}
}

func printEntityRuns(w io.Writer, run *storage.Run, entities []storage.EntityRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "%s %s %s (%s)\n\n", run.Version, run.Mode, run.State, run.ID)
	fmt.Fprintln(tw, "COLLECTION\tMODE\tSTATUS\tROWS\tINSERTED\tSKIPPED\tUNMATCHED\tERROR")
	for _, e := range entities {
		msg := e.Error
		if e.IndexError != "" {
			msg = "index: " + e.IndexError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			e.Collection, e.Mode, e.Status, e.RowsRead, e.Inserted, e.Skipped, e.Unmatched, msg)
	}
}
