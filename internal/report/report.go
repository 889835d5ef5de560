// Package report renders experiment runs as styled terminal output:
// per-condition rate tables, steering outcome tables, the classifier rules
// in force, and the verdict on the experiment's stated expectation.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"gatelab/internal/config"
	"gatelab/internal/experiment"
	"gatelab/internal/steering"
	"gatelab/internal/types"
)

// Semantic colors.
var (
	accent  = lipgloss.Color("#8BC34A")
	danger  = lipgloss.Color("#e53935")
	warning = lipgloss.Color("#FFC107")
	subtle  = lipgloss.Color("#6b7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(subtle)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(danger)
	noteStyle    = lipgloss.NewStyle().Foreground(warning)
)

// table is a static column-aligned table.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render() string {
	if len(t.rows) == 0 {
		return ""
	}
	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(titleStyle.Render(t.title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	for i, h := range t.headers {
		sb.WriteString(headerStyle.Width(widths[i]).Render(h))
		if i < len(t.headers)-1 {
			sb.WriteString(mutedStyle.Render("|"))
		}
	}
	sb.WriteString("\n")

	total := len(t.headers) - 1
	for _, w := range widths {
		total += w
	}
	sb.WriteString(mutedStyle.Render(strings.Repeat("-", total)) + "\n")

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(cellStyle.Width(widths[i]).Render(cell))
				if i < len(row)-1 {
					sb.WriteString(mutedStyle.Render("|"))
				}
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// Render produces the full report for one run.
func Render(result *experiment.RunResult, rules config.ClassifierRules) string {
	var sb strings.Builder

	stages := result.Circuit.Stages()
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Run %s: %s (%s circuit, stages %s)",
		result.RunID, result.Experiment, result.Circuit, strings.Join(stages[:], " -> "))))
	sb.WriteString("\n")
	if result.Partial {
		sb.WriteString(noteStyle.Render("PARTIAL RUN — stopped before all cases completed"))
		sb.WriteString("\n")
	}
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("started %s, finished %s",
		result.StartedAt.Format("15:04:05"), result.FinishedAt.Format("15:04:05"))))
	sb.WriteString("\n\n")

	sb.WriteString(renderConditions(result))
	if result.Steering != nil {
		sb.WriteString(renderSteering(result))
	}
	sb.WriteString(renderRules(result.Circuit, rules))
	sb.WriteString(renderVerdict(result))
	return sb.String()
}

func labelsFor(circuit types.CircuitKind) []types.BehaviorLabel {
	if circuit == types.CircuitSycophancy {
		return []types.BehaviorLabel{types.LabelLie, types.LabelTruthful, types.LabelAmbiguous}
	}
	return []types.BehaviorLabel{types.LabelComply, types.LabelRefuse, types.LabelAmbiguous}
}

func renderConditions(result *experiment.RunResult) string {
	labels := labelsFor(result.Circuit)

	t := &table{title: "Behavior rates by condition"}
	t.headers = []string{"condition"}
	for _, l := range labels {
		t.headers = append(t.headers, string(l))
	}
	t.headers = append(t.headers, "errors", "total")

	for _, tag := range sortedTags(result) {
		stats := result.Stats[tag]
		row := []string{string(tag)}
		for _, l := range labels {
			row = append(row, fmt.Sprintf("%d (%.0f%%)", stats.Counts[l], stats.Rate(l)))
		}
		row = append(row,
			fmt.Sprintf("%d", stats.Errored),
			fmt.Sprintf("%d", stats.Total))
		t.addRow(row...)
	}
	return t.render()
}

func sortedTags(result *experiment.RunResult) []types.ConditionTag {
	tags := make([]types.ConditionTag, 0, len(result.Stats))
	for tag := range result.Stats {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func renderSteering(result *experiment.RunResult) string {
	var sb strings.Builder
	asym := result.Steering

	if sv := result.SteeringVector; sv != nil {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf(
			"steering vector: L%d, %s-%s, %s policy", sv.Layer, sv.Source, sv.Target, sv.Policy)))
		sb.WriteString("\n\n")
	}

	sb.WriteString(renderOutcomes("Suppression (subtract, single layer)", asym.Suppression))
	sb.WriteString(renderOutcomes("Induction (add, single layer)", asym.InductionSingle))
	sb.WriteString(renderOutcomes("Induction (add, cumulative)", asym.InductionCumulative))

	verdict := failStyle.Render("asymmetry NOT observed")
	if asym.AsymmetryHolds() {
		verdict = successStyle.Render("asymmetry observed")
	}
	sb.WriteString(fmt.Sprintf("%s  suppression %.0f%%, single induction %.0f%%, cumulative %.0f%% (threshold %.0f%%)\n\n",
		verdict, asym.BestSuppressionRate, asym.BestSingleRate, asym.BestCumulativeRate, asym.ThresholdPercent))
	return sb.String()
}

func renderOutcomes(title string, outcomes []steering.Outcome) string {
	t := &table{
		title:   title,
		headers: []string{"layers", "scale", "applied", "flipped", "rate"},
	}
	for _, o := range outcomes {
		applied := ""
		if len(o.AppliedScales) > 0 {
			applied = fmt.Sprintf("%.1f", o.AppliedScales[0])
			if len(o.AppliedScales) > 1 {
				applied += fmt.Sprintf("..%.1f", o.AppliedScales[len(o.AppliedScales)-1])
			}
		}
		t.addRow(
			layerSpan(o.Layers),
			fmt.Sprintf("%.1f×norm", o.ScaleFactor),
			applied,
			fmt.Sprintf("%d/%d", o.Flipped, o.Attempted),
			fmt.Sprintf("%.0f%%", o.Rate()),
		)
	}
	return t.render()
}

func layerSpan(layers []int) string {
	if len(layers) == 0 {
		return "-"
	}
	if len(layers) == 1 {
		return fmt.Sprintf("L%d", layers[0])
	}
	return fmt.Sprintf("L%d-L%d", layers[0], layers[len(layers)-1])
}

// renderRules echoes the decision rules the labels were produced under.
// A rate table is only interpretable next to the rules that made it.
func renderRules(circuit types.CircuitKind, rules config.ClassifierRules) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Classifier rules"))
	sb.WriteString("\n")
	if circuit == types.CircuitSycophancy {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("scan window %d bytes; agree phrases: %s",
			rules.AgreeScanWindow, strings.Join(rules.AgreePhrases, ", "))))
		sb.WriteString("\n")
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("correct phrases: %s",
			strings.Join(rules.CorrectPhrases, ", "))))
	} else {
		sb.WriteString(mutedStyle.Render(fmt.Sprintf("scan window %d bytes; refusal markers: %s",
			rules.RefusalScanWindow, strings.Join(rules.RefusalPhrases, ", "))))
	}
	sb.WriteString("\n\n")
	return sb.String()
}

func renderVerdict(result *experiment.RunResult) string {
	e := result.Expectation
	if e == nil {
		return ""
	}
	met, known := result.ExpectationMet()
	status := noteStyle.Render("NO VERDICT")
	if known {
		if met {
			status = successStyle.Render("CONFIRMED")
		} else {
			status = failStyle.Render("NOT CONFIRMED")
		}
	}
	return fmt.Sprintf("%s %s  %s\n", titleStyle.Render("Expectation:"), status, e.Description)
}
