package spans_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuespan/internal/models"
	"issuespan/internal/spans"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

var now = ts("2024-06-01T00:00:00Z")

func openIssue(created string) models.Issue {
	return models.Issue{
		ID:        1,
		Number:    1,
		State:     models.StateOpen,
		CreatedAt: ts(created),
		UpdatedAt: ts(created),
	}
}

func byPhase(spanList []models.Span, phase string) []models.Span {
	var out []models.Span
	for _, s := range spanList {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

func TestLabelPairing(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-02T00:00:00Z"), LabelName: "bug"},
		{ID: 2, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-03T00:00:00Z"), LabelName: "bug"},
		{ID: 3, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-05T00:00:00Z"), LabelName: "bug"},
		{ID: 4, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-09T00:00:00Z"), LabelName: "bug"},
	}

	got := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	require.Len(t, got, 2, "re-applied label must yield two distinct spans, not one")
	assert.Equal(t, ts("2024-01-02T00:00:00Z"), got[0].StartAt)
	assert.Equal(t, ts("2024-01-03T00:00:00Z"), got[0].EndAt)
	assert.Equal(t, ts("2024-01-05T00:00:00Z"), got[1].StartAt)
	assert.Equal(t, ts("2024-01-09T00:00:00Z"), got[1].EndAt)
}

func TestLabelPairingUnsortedDelivery(t *testing.T) {
	// Same stream as TestLabelPairing but delivered out of order.
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 4, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-09T00:00:00Z"), LabelName: "bug"},
		{ID: 1, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-02T00:00:00Z"), LabelName: "bug"},
		{ID: 3, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-05T00:00:00Z"), LabelName: "bug"},
		{ID: 2, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-03T00:00:00Z"), LabelName: "bug"},
	}

	got := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	require.Len(t, got, 2)
	assert.Equal(t, ts("2024-01-03T00:00:00Z"), got[0].EndAt)
	assert.Equal(t, ts("2024-01-09T00:00:00Z"), got[1].EndAt)
}

func TestUnterminatedLabelSpanEndsAtNow(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-02T00:00:00Z"), LabelName: "bug"},
	}

	got := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	require.Len(t, got, 1)
	assert.Equal(t, now, got[0].EndAt)
	assert.GreaterOrEqual(t, got[0].Duration(), time.Duration(0))
}

func TestUnlabeledWithoutLabeledIsIgnored(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-02T00:00:00Z"), LabelName: "bug"},
	}

	got := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	assert.Empty(t, got, "an unlabeled event cannot end a span that does not exist")
}

func TestLabelsDoNotCrossCorrelate(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventLabeled, CreatedAt: ts("2024-01-02T00:00:00Z"), LabelName: "bug"},
		{ID: 2, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: ts("2024-01-03T00:00:00Z"), LabelName: "feature"},
	}

	bug := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	require.Len(t, bug, 1)
	assert.Equal(t, now, bug[0].EndAt, "unlabeled of another label must not close the bug span")
	assert.Empty(t, byPhase(spans.Build(issue, events, now), spans.LabeledPhase("feature")))
}

func TestZeroLengthPair(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	at := ts("2024-01-02T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventLabeled, CreatedAt: at, LabelName: "bug"},
		{ID: 2, IssueID: 1, Type: models.EventUnlabeled, CreatedAt: at, LabelName: "bug"},
	}

	got := byPhase(spans.Build(issue, events, now), spans.LabeledPhase("bug"))
	require.Len(t, got, 1)
	assert.Equal(t, time.Duration(0), got[0].Duration())
}

func TestAssignedPairing(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventAssigned, CreatedAt: ts("2024-01-02T00:00:00Z"), AssigneeName: "alice"},
		{ID: 2, IssueID: 1, Type: models.EventAssigned, CreatedAt: ts("2024-01-03T00:00:00Z"), AssigneeName: "bob"},
		{ID: 3, IssueID: 1, Type: models.EventUnassigned, CreatedAt: ts("2024-01-04T00:00:00Z"), AssigneeName: "alice"},
	}

	all := spans.Build(issue, events, now)
	alice := byPhase(all, spans.AssignedPhase("alice"))
	require.Len(t, alice, 1)
	assert.Equal(t, ts("2024-01-04T00:00:00Z"), alice[0].EndAt)

	bob := byPhase(all, spans.AssignedPhase("bob"))
	require.Len(t, bob, 1)
	assert.Equal(t, now, bob[0].EndAt)
}

func TestOpenSpanNeverClosed(t *testing.T) {
	issue := openIssue("2024-01-01T00:00:00Z")

	got := byPhase(spans.Build(issue, nil, now), spans.PhaseOpen)
	require.Len(t, got, 1)
	assert.Equal(t, issue.CreatedAt, got[0].StartAt)
	assert.Equal(t, now, got[0].EndAt)
	assert.Empty(t, byPhase(spans.Build(issue, nil, now), spans.PhaseClosed))
}

func TestOpenSpanEndsAtFinalClose(t *testing.T) {
	closedAt := ts("2024-01-09T00:00:00Z")
	issue := models.Issue{
		ID: 1, Number: 1, State: models.StateClosed,
		CreatedAt: ts("2024-01-01T00:00:00Z"),
		UpdatedAt: closedAt,
		ClosedAt:  &closedAt,
	}
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventClosed, CreatedAt: ts("2024-01-03T00:00:00Z")},
		{ID: 2, IssueID: 1, Type: models.EventReopened, CreatedAt: ts("2024-01-05T00:00:00Z")},
		{ID: 3, IssueID: 1, Type: models.EventClosed, CreatedAt: closedAt},
	}

	all := spans.Build(issue, events, now)
	open := byPhase(all, spans.PhaseOpen)
	require.Len(t, open, 1)
	assert.Equal(t, closedAt, open[0].EndAt, "only the final close ends the open phase")

	closed := byPhase(all, spans.PhaseClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, closedAt, closed[0].StartAt)
	assert.Equal(t, now, closed[0].EndAt)
}

func TestReopenedIssueIsNotResolved(t *testing.T) {
	// closed(d1) then reopened with no further close: the issue is open
	// again, so its open span runs to now and no closed span is emitted.
	issue := openIssue("2024-01-01T00:00:00Z")
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventClosed, CreatedAt: ts("2024-01-03T00:00:00Z")},
		{ID: 2, IssueID: 1, Type: models.EventReopened, CreatedAt: ts("2024-01-05T00:00:00Z")},
	}

	all := spans.Build(issue, events, now)
	open := byPhase(all, spans.PhaseOpen)
	require.Len(t, open, 1)
	assert.Equal(t, now, open[0].EndAt)
	assert.Empty(t, byPhase(all, spans.PhaseClosed))
}

func TestClosedAtFallbackWhenTimelineLacksCloseEvent(t *testing.T) {
	closedAt := ts("2024-01-04T00:00:00Z")
	issue := models.Issue{
		ID: 1, Number: 1, State: models.StateClosed,
		CreatedAt: ts("2024-01-01T00:00:00Z"),
		UpdatedAt: closedAt,
		ClosedAt:  &closedAt,
	}

	all := spans.Build(issue, nil, now)
	open := byPhase(all, spans.PhaseOpen)
	require.Len(t, open, 1)
	assert.Equal(t, closedAt, open[0].EndAt)
}

func TestResolutionDurationFormat(t *testing.T) {
	closedAt := ts("2024-01-03T01:02:03Z")
	issue := models.Issue{
		ID: 1, Number: 1, State: models.StateClosed,
		CreatedAt: ts("2024-01-01T00:00:00Z"),
		UpdatedAt: closedAt,
	}
	events := []models.Event{
		{ID: 1, IssueID: 1, Type: models.EventClosed, CreatedAt: closedAt},
	}

	open := byPhase(spans.Build(issue, events, now), spans.PhaseOpen)
	require.Len(t, open, 1)
	assert.Equal(t, "2d 01:02:03", spans.FormatDuration(open[0].Duration()))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0d 00:00:00"},
		{"negative clamps", -time.Hour, "0d 00:00:00"},
		{"sub-day", 3*time.Hour + 4*time.Minute + 5*time.Second, "0d 03:04:05"},
		{"multi-day", 49*time.Hour + 62*time.Second, "2d 01:01:02"},
		{"unpadded days", 240 * time.Hour, "10d 00:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, spans.FormatDuration(tt.d))
		})
	}
}
