// Package export writes batch results as the summary/details CSV pair and an
// optional JSON document.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/analysis"
	"callaudit/pkg/compliance"
	"callaudit/pkg/errors"
)

// SummaryHeader is the column order of the summary CSV.
var SummaryHeader = []string{
	"File (Call ID)",
	"Agent Profanity",
	"Borrower Profanity",
	"Compliance Violation",
	"Overtalk %",
	"Silence %",
	"Total Time",
	"Agent Talk %",
	"Borrower Talk %",
}

// DetailsHeader is the column order of the details CSV.
var DetailsHeader = []string{"File (Call ID)", "Type", "Speaker", "Text", "Matches"}

const reportsFile = "reports.json"

// Options selects which files an Exporter writes.
type Options struct {
	Directory string
	WriteCSV  bool
	WriteJSON bool
}

// Exporter writes batch results into one output directory.
type Exporter struct {
	opts   Options
	logger *logrus.Logger
}

// NewExporter creates an exporter. An empty directory means the working
// directory.
func NewExporter(opts Options, logger *logrus.Logger) *Exporter {
	if opts.Directory == "" {
		opts.Directory = "."
	}
	return &Exporter{opts: opts, logger: logger}
}

// FileNames returns the summary and details file names for mode.
func FileNames(mode compliance.Mode) (string, string) {
	if mode == compliance.ModeStrict {
		return "summary_strict.csv", "details_strict.csv"
	}
	return "summary.csv", "details.csv"
}

// Export writes the enabled outputs and returns the paths written.
func (e *Exporter) Export(result *analysis.BatchResult, mode compliance.Mode) ([]string, error) {
	if err := os.MkdirAll(e.opts.Directory, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory").
			WithField("directory", e.opts.Directory)
	}

	var written []string
	if e.opts.WriteCSV {
		summaryName, detailsName := FileNames(mode)

		summaryPath := filepath.Join(e.opts.Directory, summaryName)
		if err := writeCSVFile(summaryPath, SummaryHeader, SummaryRows(result.Reports)); err != nil {
			return written, err
		}
		written = append(written, summaryPath)

		detailsPath := filepath.Join(e.opts.Directory, detailsName)
		if err := writeCSVFile(detailsPath, DetailsHeader, DetailRows(result.Reports)); err != nil {
			return written, err
		}
		written = append(written, detailsPath)
	}

	if e.opts.WriteJSON {
		path := filepath.Join(e.opts.Directory, reportsFile)
		if err := WriteJSON(path, result); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	e.logger.WithFields(logrus.Fields{
		"reports": len(result.Reports),
		"skipped": len(result.Skipped),
		"files":   written,
	}).Info("Batch results exported")

	return written, nil
}

// SummaryRows renders one summary row per report.
func SummaryRows(reports []*analysis.Report) [][]string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			r.CallID,
			yesNo(r.Profanity.AgentHas),
			yesNo(r.Profanity.BorrowerHas),
			yesNo(r.Compliance.Violation),
			fmt.Sprintf("%.2f%%", r.Metrics.OvertalkPct),
			fmt.Sprintf("%.2f%%", r.Metrics.SilencePct),
			fmt.Sprintf("%.1fs", r.Metrics.TalkShare.Total),
			fmt.Sprintf("%.1f%%", r.Metrics.TalkShare.AgentPct),
			fmt.Sprintf("%.1f%%", r.Metrics.TalkShare.BorrowerPct),
		})
	}
	return rows
}

// DetailRows renders the evidence of every report: one row per profanity hit
// and, when the verdict carries a reason, one compliance row quoting the
// examples as JSON.
func DetailRows(reports []*analysis.Report) [][]string {
	var rows [][]string
	for _, r := range reports {
		for _, hit := range r.Profanity.Hits {
			rows = append(rows, []string{
				r.CallID,
				"Profanity",
				string(hit.Speaker),
				hit.Text,
				strings.Join(hit.RuleIDs, ", "),
			})
		}

		if r.Compliance.Reason != "" {
			examples := r.Compliance.Examples
			if examples == nil {
				examples = []compliance.Example{}
			}
			raw, err := json.Marshal(examples)
			if err != nil {
				raw = []byte("[]")
			}
			rows = append(rows, []string{
				r.CallID,
				"Compliance",
				"agent",
				r.Compliance.Reason,
				string(raw),
			})
		}
	}
	return rows
}

// WriteJSON writes the batch result as indented JSON.
func WriteJSON(path string, result *analysis.BatchResult) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal batch result")
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0644); err != nil {
		return errors.Wrap(err, "failed to write reports file").WithField("path", path)
	}
	return nil
}

func writeCSVFile(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create CSV file").WithField("path", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write CSV header").WithField("path", path)
	}
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrap(err, "failed to write CSV rows").WithField("path", path)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
