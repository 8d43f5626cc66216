package campaign

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/edgedlt/byzzbench"
)

// Summary aggregates the outcomes of a campaign.
type Summary struct {
	Runs      int
	Failed    int
	Violating int

	// Violations counts violations per predicate name.
	Violations map[string]int

	// Commits is the total number of commit-log entries of all replicas.
	Commits int

	// Steps is the total number of scheduler decisions.
	Steps int

	Completed int
	Expected  int

	// ByProtocol counts runs per protocol.
	ByProtocol map[byzzbench.Protocol]int

	Duration time.Duration
	Outcomes []Outcome
}

// Summarize aggregates outcomes.
func Summarize(outcomes []Outcome) *Summary {
	s := &Summary{
		Violations: make(map[string]int),
		ByProtocol: make(map[byzzbench.Protocol]int),
		Outcomes:   outcomes,
	}
	for _, o := range outcomes {
		s.Runs++
		if o.Config != nil {
			s.ByProtocol[o.Config.Protocol]++
		}
		if o.Err != nil || o.Result == nil {
			s.Failed++
			continue
		}
		res := o.Result
		if !res.Success() {
			s.Violating++
		}
		for _, v := range res.Violations {
			s.Violations[v.Predicate]++
		}
		for _, entries := range res.CommitLogs {
			s.Commits += len(entries)
		}
		s.Steps += res.Steps
		s.Completed += res.Completed
		s.Expected += res.Expected
	}
	return s
}

// Report writes a plain-text report.
func (s *Summary) Report(w io.Writer) error {
	var b strings.Builder
	info := GetSystemInfo()

	fmt.Fprintf(&b, "Campaign report (%s)\n", info.Timestamp)
	fmt.Fprintf(&b, "System: %s/%s, %s, %d CPUs, %s\n\n",
		info.OS, info.Architecture, info.GoVersion, info.NumCPU, info.CPU)

	fmt.Fprintf(&b, "Runs:       %d (%d failed, %d with violations)\n", s.Runs, s.Failed, s.Violating)
	protocols := make([]string, 0, len(s.ByProtocol))
	for p, n := range s.ByProtocol {
		protocols = append(protocols, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(protocols)
	fmt.Fprintf(&b, "Protocols:  %s\n", strings.Join(protocols, ", "))
	fmt.Fprintf(&b, "Operations: %d/%d completed\n", s.Completed, s.Expected)
	fmt.Fprintf(&b, "Steps:      %d\n", s.Steps)
	fmt.Fprintf(&b, "Commits:    %d\n", s.Commits)
	fmt.Fprintf(&b, "Duration:   %s", FormatDuration(float64(s.Duration.Nanoseconds())))
	if s.Runs > 0 {
		fmt.Fprintf(&b, " (%s per run)", FormatDuration(float64(s.Duration.Nanoseconds())/float64(s.Runs)))
	}
	b.WriteString("\n")

	if len(s.Violations) > 0 {
		b.WriteString("\nViolations by predicate:\n")
		names := make([]string, 0, len(s.Violations))
		for name := range s.Violations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %-18s %d\n", name, s.Violations[name])
		}
	}

	var flagged []string
	for _, o := range s.Outcomes {
		switch {
		case o.Err != nil:
			flagged = append(flagged, fmt.Sprintf("  #%d %s: error: %v", o.Index, describe(o), o.Err))
		case o.Result != nil && !o.Result.Success():
			for _, v := range o.Result.Violations {
				flagged = append(flagged, fmt.Sprintf("  #%d %s: %s", o.Index, describe(o), v))
			}
		}
	}
	if len(flagged) > 0 {
		b.WriteString("\nFlagged runs:\n")
		b.WriteString(strings.Join(flagged, "\n"))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func describe(o Outcome) string {
	if o.Config == nil {
		return "?"
	}
	c := o.Config
	return fmt.Sprintf("%s n=%d %s %s seed=%d", c.Protocol, c.Replicas, c.Behavior, c.Scheduler, c.Seed)
}

// FormatDuration formats nanoseconds into a human-readable duration.
func FormatDuration(ns float64) string {
	switch {
	case ns < 1000:
		return fmt.Sprintf("%.1f ns", ns)
	case ns < 1000000:
		return fmt.Sprintf("%.2f μs", ns/1000)
	case ns < 1000000000:
		return fmt.Sprintf("%.2f ms", ns/1000000)
	default:
		return fmt.Sprintf("%.2f s", ns/1000000000)
	}
}
