// Package report turns stored issues and events into span records and
// grouped duration totals.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"issuespan/internal/models"
	"issuespan/internal/spans"
)

// Store is the read-only slice of the database the reporter needs.
type Store interface {
	ListIssues(ctx context.Context, org, repo string) ([]models.Issue, error)
	ListEventsByRepo(ctx context.Context, org, repo string) ([]models.Event, error)
}

// SpanRecord is one reconstructed span enriched with issue identity,
// ready for downstream consumers.
type SpanRecord struct {
	Organization      string
	Repository        string
	IssueID           int64
	IssueNumber       int
	IssueTitle        string
	Phase             string
	StartAt           time.Time
	EndAt             time.Time
	DurationSeconds   int64
	FormattedDuration string
}

// BuildRecords reconstructs spans for every issue of an organization
// (optionally one repository). The evaluation instant now is captured once
// by the caller and applied to every unterminated span so that totals from
// one run are internally consistent.
func BuildRecords(ctx context.Context, store Store, org, repo string, now time.Time) ([]SpanRecord, error) {
	issues, err := store.ListIssues(ctx, org, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	events, err := store.ListEventsByRepo(ctx, org, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	byIssue := make(map[int64][]models.Event)
	for _, ev := range events {
		byIssue[ev.IssueID] = append(byIssue[ev.IssueID], ev)
	}

	var records []SpanRecord
	for _, issue := range issues {
		for _, sp := range spans.Build(issue, byIssue[issue.ID], now) {
			d := sp.Duration()
			records = append(records, SpanRecord{
				Organization:      issue.Organization,
				Repository:        issue.Repository,
				IssueID:           issue.ID,
				IssueNumber:       issue.Number,
				IssueTitle:        issue.Title,
				Phase:             sp.Phase,
				StartAt:           sp.StartAt,
				EndAt:             sp.EndAt,
				DurationSeconds:   int64(d / time.Second),
				FormattedDuration: spans.FormatDuration(d),
			})
		}
	}
	return records, nil
}

// Total is one aggregated group.
type Total struct {
	Key       string
	Spans     int
	Seconds   int64
	Formatted string
}

// Canned grouping keys for Aggregate.
var (
	ByPhase      = func(r SpanRecord) string { return r.Phase }
	ByRepository = func(r SpanRecord) string { return r.Repository }
	ByIssue      = func(r SpanRecord) string {
		return fmt.Sprintf("%s/%s#%d %s", r.Organization, r.Repository, r.IssueNumber, r.Phase)
	}
)

// Aggregate sums span durations per group key, sorted by descending total
// then key for a stable presentation order.
func Aggregate(records []SpanRecord, key func(SpanRecord) string) []Total {
	sums := make(map[string]*Total)
	for _, r := range records {
		k := key(r)
		t := sums[k]
		if t == nil {
			t = &Total{Key: k}
			sums[k] = t
		}
		t.Spans++
		t.Seconds += r.DurationSeconds
	}

	out := make([]Total, 0, len(sums))
	for _, t := range sums {
		t.Formatted = spans.FormatDuration(time.Duration(t.Seconds) * time.Second)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].Key < out[j].Key
	})
	return out
}

var csvHeader = []string{
	"organization", "repository", "issue_id", "issue_number", "issue_title",
	"phase_label", "start_at", "end_at", "duration_seconds", "formatted_duration",
}

// WriteCSV writes span records in the output schema, header first.
func WriteCSV(w io.Writer, records []SpanRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.Organization,
			r.Repository,
			strconv.FormatInt(r.IssueID, 10),
			strconv.Itoa(r.IssueNumber),
			r.IssueTitle,
			r.Phase,
			r.StartAt.UTC().Format(time.RFC3339),
			r.EndAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(r.DurationSeconds, 10),
			r.FormattedDuration,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
