package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

// PrintSummary 在控制台输出排名靠前的问题
func PrintSummary(w io.Writer, r *Report, top int) error {
	if len(r.Issues) == 0 {
		_, err := fmt.Fprintln(w, pterm.Success.Sprint("No issues found."))
		return err
	}

	tableData := pterm.TableData{{"#", "Tag", "Severity", "Builds", "Occurrences"}}
	for i, issue := range r.Issues {
		if top > 0 && i >= top {
			break
		}
		tableData = append(tableData, []string{
			strconv.Itoa(i + 1),
			issue.Tag,
			issue.Severity.String(),
			humanize.Comma(int64(issue.DistinctBuilds)),
			humanize.Comma(int64(issue.TotalOccurrences)),
		})
	}

	out, err := pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(tableData).
		Srender()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	if _, err := fmt.Fprintln(w, out); err != nil {
		return err
	}

	if s := r.Statistics; s != nil {
		_, err = fmt.Fprintf(w, "%d builds scanned, %d issues found, %d unknown failures\n",
			s.Scanned, s.IssuesFound, s.UnknownFailures)
	}
	return err
}
