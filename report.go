package docdigest

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// WriteReport prints a human-readable run summary: per-class counts, the
// model used, totals and any items that ended in a sentinel.
func WriteReport(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Document:\t%s (%s, %s)\n", res.Path, res.Format, res.ParseMethod)
	if res.RunID != "" {
		fmt.Fprintf(tw, "Run:\t%s\n", res.RunID)
	}
	fmt.Fprintf(tw, "Model:\t%s\n", res.Stats.Model)
	fmt.Fprintf(tw, "Elements:\t%d (%d beyond page limit)\n", res.Stats.Elements, res.Stats.SkippedPages)
	fmt.Fprintf(tw, "Texts:\t%d\n", len(res.Texts))
	fmt.Fprintf(tw, "Tables:\t%d\n", len(res.Tables))
	fmt.Fprintf(tw, "Images:\t%d (%d captioned, %d without caption)\n",
		res.Stats.Bundles, res.Stats.Captioned, res.Stats.Orphans)
	fmt.Fprintf(tw, "Summaries:\t%d generated, %d failed, %d canceled, %d retries\n",
		res.Stats.Generated, res.Stats.Failed, res.Stats.Canceled, res.Stats.Retries)
	fmt.Fprintf(tw, "Elapsed:\t%s\n", res.Stats.Elapsed.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Failures) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "\nItems without a summary:\n"); err != nil {
		return err
	}
	for _, f := range res.Failures {
		if _, err := fmt.Fprintf(w, "  - %s\n", f); err != nil {
			return err
		}
	}
	return nil
}
