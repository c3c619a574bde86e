// Package spans reconstructs per-phase time intervals from an issue's
// event log. Spans are pure functions of the issue and event rows: the
// whole package is a sort followed by a single forward fold, with an
// open-span stack per correlation key (label or assignee name).
package spans

import (
	"fmt"
	"sort"
	"time"

	"issuespan/internal/models"
)

// Phase labels for the two lifecycle phases that are not keyed.
const (
	PhaseOpen   = "open"
	PhaseClosed = "closed"
)

// LabeledPhase returns the phase label for a label span.
func LabeledPhase(name string) string { return "labeled:" + name }

// AssignedPhase returns the phase label for an assignee span.
func AssignedPhase(name string) string { return "assigned:" + name }

// Build reconstructs all spans for one issue. now is the evaluation
// instant used to terminate open-ended spans; callers aggregating across
// issues must pass the same now to every Build call so totals stay
// internally consistent.
func Build(issue models.Issue, events []models.Event, now time.Time) []models.Span {
	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var out []models.Span
	out = append(out, lifecycleSpans(issue, sorted, now)...)
	out = append(out, pairedSpans(issue.ID, sorted, now,
		models.EventLabeled, models.EventUnlabeled, labelKey, LabeledPhase)...)
	out = append(out, pairedSpans(issue.ID, sorted, now,
		models.EventAssigned, models.EventUnassigned, assigneeKey, AssignedPhase)...)
	return out
}

// lifecycleSpans emits the open span and, for currently closed issues, the
// closed span. An issue can be closed and reopened repeatedly; only the
// final close ends the open phase. An issue whose current state is open is
// not resolved, so its open span runs to now even when older closed events
// exist.
func lifecycleSpans(issue models.Issue, sorted []models.Event, now time.Time) []models.Span {
	var lastClose time.Time
	for _, ev := range sorted {
		if ev.Type == models.EventClosed {
			lastClose = ev.CreatedAt
		}
	}
	// Old issues occasionally lack the closing timeline event; fall back
	// to the issue row's closed_at.
	if lastClose.IsZero() && issue.ClosedAt != nil {
		lastClose = *issue.ClosedAt
	}

	if issue.State != models.StateClosed || lastClose.IsZero() {
		return []models.Span{{
			IssueID: issue.ID,
			Phase:   PhaseOpen,
			StartAt: issue.CreatedAt,
			EndAt:   now,
		}}
	}

	return []models.Span{
		{IssueID: issue.ID, Phase: PhaseOpen, StartAt: issue.CreatedAt, EndAt: lastClose},
		{IssueID: issue.ID, Phase: PhaseClosed, StartAt: lastClose, EndAt: now},
	}
}

// pairedSpans folds start/end event pairs into spans. A start event pushes
// onto its key's stack; the nearest matching end event pops and emits. End
// events with no open start are ignored (they cannot terminate a span that
// does not exist). Leftover starts emit unterminated spans ending at now.
func pairedSpans(issueID int64, sorted []models.Event, now time.Time,
	startType, endType string, key func(models.Event) string, phase func(string) string) []models.Span {

	open := make(map[string][]time.Time)
	var out []models.Span

	for _, ev := range sorted {
		switch ev.Type {
		case startType:
			k := key(ev)
			if k == "" {
				continue
			}
			open[k] = append(open[k], ev.CreatedAt)
		case endType:
			k := key(ev)
			stack := open[k]
			if len(stack) == 0 {
				continue
			}
			start := stack[len(stack)-1]
			open[k] = stack[:len(stack)-1]
			out = append(out, models.Span{
				IssueID: issueID,
				Phase:   phase(k),
				StartAt: start,
				EndAt:   ev.CreatedAt,
			})
		}
	}

	keys := make([]string, 0, len(open))
	for k, stack := range open {
		if len(stack) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, start := range open[k] {
			out = append(out, models.Span{
				IssueID: issueID,
				Phase:   phase(k),
				StartAt: start,
				EndAt:   now,
			})
		}
	}

	return out
}

func labelKey(ev models.Event) string    { return ev.LabelName }
func assigneeKey(ev models.Event) string { return ev.AssigneeName }

// FormatDuration renders a duration as "{days}d {HH}:{MM}:{SS}" with an
// unpadded day count. Negative durations clamp to zero.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	return fmt.Sprintf("%dd %02d:%02d:%02d", days, secs/3600, (secs%3600)/60, secs%60)
}
