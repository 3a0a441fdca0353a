package askdb

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"github.com/askdb/askdb/internal/session"
)

func printOutcome(w io.Writer, outcome session.Outcome) {
	_, _ = fmt.Fprintln(w, pterm.LightCyan(outcome.SQL))
	printResult(w, outcome.Result)
}

func printResult(w io.Writer, result session.QueryResult) {
	if result.Failed() {
		_, _ = fmt.Fprintln(w, pterm.Warning.Sprint("query failed: "+result.Error))
		return
	}
	if len(result.Columns) == 0 {
		_, _ = fmt.Fprintln(w, "(statement executed)")
		return
	}
	rendered, err := renderTable(result)
	if err != nil {
		_, _ = fmt.Fprintln(w, pterm.Error.Sprint(err.Error()))
		return
	}
	_, _ = fmt.Fprintln(w, rendered)
	summary := fmt.Sprintf("(%d rows)", len(result.Rows))
	if len(result.Rows) == 1 {
		summary = "(1 row)"
	}
	if result.Truncated {
		summary += " truncated"
	}
	_, _ = fmt.Fprintln(w, summary)
}

func renderTable(result session.QueryResult) (string, error) {
	data := make(pterm.TableData, 0, len(result.Rows)+1)
	data = append(data, append([]string(nil), result.Columns...))
	for _, row := range result.Rows {
		cells := make([]string, len(result.Columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = formatCell(row[i])
			}
		}
		data = append(data, cells)
	}
	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return strings.ReplaceAll(v, "\n", " ")
	default:
		return fmt.Sprint(v)
	}
}
