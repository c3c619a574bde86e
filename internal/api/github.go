package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"issuespan/internal/models"
)

const (
	// maxAttempts bounds retries of a single API call.
	maxAttempts = 4
	// rateLimitBuffer is added to rate-limit waits so the retry does not
	// land exactly on the reset boundary.
	rateLimitBuffer = 2 * time.Second
	// maxRateLimitWait caps how long a single rate-limit pause may last.
	maxRateLimitWait = 15 * time.Minute
)

// GitHubClient represents a client for the GitHub REST API
type GitHubClient struct {
	client  *github.Client
	perPage int
}

// NewGitHubClient creates a new GitHub API client. perPage is clamped to
// GitHub's 1..100 range.
func NewGitHubClient(token string, perPage int) *GitHubClient {
	var tc *http.Client

	if token != "" {
		// Create an authenticated client if a token is provided
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}

	return &GitHubClient{client: github.NewClient(tc), perPage: perPage}
}

// IssuePager retrieves pages of issues for one repository ordered by
// updated_at ascending from an inclusive since bound. The ordering is what
// makes checkpointing sound: every issue in a delivered prefix has
// updated_at <= every issue in later pages, so a rerun from the committed
// checkpoint cannot skip anything.
type IssuePager struct {
	client *GitHubClient
	org    string
	repo   string
	opts   github.IssueListByRepoOptions
	done   bool
}

// Issues returns a pager over the repository's issues updated at or after
// since. A zero since fetches from the beginning.
func (c *GitHubClient) Issues(org, repo string, since time.Time) *IssuePager {
	opts := github.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		ListOptions: github.ListOptions{
			PerPage: c.perPage,
		},
	}
	if !since.IsZero() {
		opts.Since = since
	}
	return &IssuePager{client: c, org: org, repo: repo, opts: opts}
}

// Next returns the next page of issues, excluding pull requests. A nil
// slice with nil error means the sequence is exhausted.
func (p *IssuePager) Next(ctx context.Context) ([]models.Issue, error) {
	for !p.done {
		var (
			raw  []*github.Issue
			resp *github.Response
		)
		err := p.client.withRetry(ctx, func() error {
			var err error
			raw, resp, err = p.client.client.Issues.ListByRepo(ctx, p.org, p.repo, &p.opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list issues for %s/%s: %w", p.org, p.repo, err)
		}

		if resp.NextPage == 0 {
			p.done = true
		} else {
			p.opts.Page = resp.NextPage
		}

		page := make([]models.Issue, 0, len(raw))
		for _, is := range raw {
			if is.IsPullRequest() {
				continue
			}
			page = append(page, ConvertIssue(is, p.org, p.repo))
		}
		if len(page) > 0 {
			return page, nil
		}
		// Page held only pull requests; keep going.
	}
	return nil, nil
}

// Timeline fetches all timeline events for an issue. Events without a
// stable GitHub id (cross-reference style entries) are excluded rather than
// given a synthetic id, which would risk silent duplication across reruns.
func (c *GitHubClient) Timeline(ctx context.Context, org, repo string, number int, issueID int64) ([]models.Event, error) {
	var all []models.Event
	opts := &github.ListOptions{PerPage: 100}

	for {
		var (
			raw  []*github.Timeline
			resp *github.Response
		)
		err := c.withRetry(ctx, func() error {
			var err error
			raw, resp, err = c.client.Issues.ListIssueTimeline(ctx, org, repo, number, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list timeline for %s/%s#%d: %w", org, repo, number, err)
		}

		for _, t := range raw {
			ev, ok := ConvertTimelineEvent(t, issueID)
			if !ok {
				continue
			}
			all = append(all, ev)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// withRetry runs op with bounded exponential backoff. Rate-limit responses
// wait until the advertised reset before retrying; server and transport
// errors back off exponentially; other client errors are permanent.
func (c *GitHubClient) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		if wait, ok := rateLimitWait(err); ok {
			log.Warn().
				Dur("wait", wait).
				Int("attempt", attempt).
				Msg("rate limited, pausing before retry")
			if err := sleepCtx(ctx, wait); err != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		if isRetryable(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("transient GitHub error, will retry")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), maxAttempts-1))
}

// rateLimitWait extracts the pause duration from a rate-limit error.
func rateLimitWait(err error) (time.Duration, bool) {
	if rl, ok := err.(*github.RateLimitError); ok {
		wait := time.Until(rl.Rate.Reset.Time) + rateLimitBuffer
		return clampWait(wait), true
	}
	if al, ok := err.(*github.AbuseRateLimitError); ok {
		wait := time.Minute
		if al.RetryAfter != nil {
			wait = *al.RetryAfter
		}
		return clampWait(wait + rateLimitBuffer), true
	}
	return 0, false
}

func clampWait(wait time.Duration) time.Duration {
	if wait < 0 {
		wait = 30 * time.Second
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	return wait
}

// isRetryable reports whether the error is a transient server or transport
// failure. Client errors (not found, bad credentials) are permanent.
func isRetryable(err error) bool {
	if resp, ok := err.(*github.ErrorResponse); ok {
		return resp.Response != nil && resp.Response.StatusCode >= 500
	}
	// Anything that is not a structured GitHub response is a transport
	// error (connection reset, timeout) and worth another attempt.
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConvertIssue converts a GitHub issue to our model. Timestamps are
// normalized to whole seconds UTC to match the store's comparison
// granularity.
func ConvertIssue(issue *github.Issue, org, repo string) models.Issue {
	var closedAt *time.Time
	if issue.ClosedAt != nil {
		t := normTime(issue.ClosedAt.Time)
		closedAt = &t
	}

	return models.Issue{
		ID:           issue.GetID(),
		Number:       issue.GetNumber(),
		Title:        issue.GetTitle(),
		State:        issue.GetState(),
		CreatedAt:    normTime(issue.GetCreatedAt().Time),
		UpdatedAt:    normTime(issue.GetUpdatedAt().Time),
		ClosedAt:     closedAt,
		Repository:   repo,
		Organization: org,
		Author:       issue.GetUser().GetLogin(),
		Assignee:     issue.GetAssignee().GetLogin(),
	}
}

// ConvertTimelineEvent converts a timeline entry to our event model. The
// second return is false for entries that carry no stable id or no
// timestamp and must be excluded.
func ConvertTimelineEvent(t *github.Timeline, issueID int64) (models.Event, bool) {
	if t.GetID() == 0 || t.GetCreatedAt().Time.IsZero() {
		return models.Event{}, false
	}

	ev := models.Event{
		ID:        t.GetID(),
		IssueID:   issueID,
		Type:      t.GetEvent(),
		CreatedAt: normTime(t.GetCreatedAt().Time),
		Actor:     t.GetActor().GetLogin(),
	}

	switch ev.Type {
	case models.EventLabeled, models.EventUnlabeled:
		ev.LabelName = t.GetLabel().GetName()
	case models.EventAssigned, models.EventUnassigned:
		ev.AssigneeName = t.GetAssignee().GetLogin()
	case models.EventCommented:
		ev.CommentAuthor = t.GetUser().GetLogin()
		ev.CommentBody = t.GetBody()
		if ev.CommentAuthor == "" {
			ev.CommentAuthor = ev.Actor
		}
	}

	return ev, true
}

func normTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
