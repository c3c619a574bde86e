// Package sync orchestrates the incremental synchronization of GitHub
// issues and timeline events into the local store.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"issuespan/internal/api"
	"issuespan/internal/models"
)

// Pager yields pages of issues in updated_at ascending order. A nil page
// with nil error ends the sequence.
type Pager interface {
	Next(ctx context.Context) ([]models.Issue, error)
}

// Source fetches issues and timeline events from the remote API.
type Source interface {
	Issues(org, repo string, since time.Time) Pager
	Timeline(ctx context.Context, org, repo string, number int, issueID int64) ([]models.Event, error)
}

// RepoLister discovers an organization's repositories.
type RepoLister interface {
	ListRepositories(ctx context.Context, org string) ([]string, error)
}

// Store is the write path plus the checkpoint query.
type Store interface {
	UpsertOrganization(ctx context.Context, name string) error
	UpsertRepository(ctx context.Context, org, repo string) error
	LastIssueUpdatedAt(ctx context.Context, org, repo string) (time.Time, error)
	ApplyPage(ctx context.Context, issues []models.Issue, events []models.Event) error
}

// Syncer drives checkpoint -> fetch -> upsert per repository.
type Syncer struct {
	store   Store
	source  Source
	lister  RepoLister
	workers int
}

// New creates a syncer. workers bounds how many repositories sync
// concurrently; within one repository pages are always applied
// sequentially in fetch order.
func New(store Store, source Source, lister RepoLister, workers int) *Syncer {
	if workers < 1 {
		workers = 1
	}
	return &Syncer{store: store, source: source, lister: lister, workers: workers}
}

// githubSource adapts the concrete API client to the Source interface.
type githubSource struct {
	c *api.GitHubClient
}

func (s githubSource) Issues(org, repo string, since time.Time) Pager {
	return s.c.Issues(org, repo, since)
}

func (s githubSource) Timeline(ctx context.Context, org, repo string, number int, issueID int64) ([]models.Event, error) {
	return s.c.Timeline(ctx, org, repo, number, issueID)
}

// NewGitHubSource wraps the REST client as a Source.
func NewGitHubSource(c *api.GitHubClient) Source {
	return githubSource{c: c}
}

// SyncRepository incrementally syncs one repository. The checkpoint is
// recomputed from the store at the start of every run, never carried over
// in memory, so a crash between pages loses at most the in-flight page.
// Each page is applied in its own transaction in fetch order; because the
// fetch is ordered by updated_at ascending with an inclusive since bound,
// rerunning after a partial failure re-fetches only from the last committed
// page and idempotent upserts absorb the overlap.
func (s *Syncer) SyncRepository(ctx context.Context, org, repo string) (models.SyncResult, error) {
	start := time.Now()
	res := models.SyncResult{Organization: org, Repository: repo}

	if err := s.store.UpsertRepository(ctx, org, repo); err != nil {
		res.Err = err
		return res, fmt.Errorf("failed to save repository %s/%s: %w", org, repo, err)
	}

	since, err := s.store.LastIssueUpdatedAt(ctx, org, repo)
	if err != nil {
		res.Err = err
		return res, fmt.Errorf("failed to read checkpoint for %s/%s: %w", org, repo, err)
	}

	log.Info().Str("org", org).Str("repo", repo).Time("since", since).Msg("syncing repository")

	pager := s.source.Issues(org, repo, since)
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			res.Err = err
			res.Duration = time.Since(start)
			return res, fmt.Errorf("fetch failed for %s/%s: %w", org, repo, err)
		}
		if len(page) == 0 {
			break
		}

		issues := make([]models.Issue, 0, len(page))
		var events []models.Event
		for _, issue := range page {
			// One malformed record must not block the rest of the run.
			if issue.ID == 0 || issue.CreatedAt.IsZero() {
				log.Warn().Str("org", org).Str("repo", repo).
					Int("number", issue.Number).Msg("skipping malformed issue record")
				res.Skipped++
				continue
			}

			evs, err := s.source.Timeline(ctx, org, repo, issue.Number, issue.ID)
			if err != nil {
				res.Err = err
				res.Duration = time.Since(start)
				return res, fmt.Errorf("timeline fetch failed for %s/%s#%d: %w", org, repo, issue.Number, err)
			}
			issues = append(issues, issue)
			events = append(events, evs...)
		}

		if err := s.store.ApplyPage(ctx, issues, events); err != nil {
			res.Err = err
			res.Duration = time.Since(start)
			return res, fmt.Errorf("failed to apply page for %s/%s: %w", org, repo, err)
		}

		res.Pages++
		res.Issues += len(issues)
		res.Events += len(events)
		log.Debug().Str("org", org).Str("repo", repo).
			Int("page", res.Pages).Int("issues", len(issues)).Int("events", len(events)).
			Msg("page applied")
	}

	res.Duration = time.Since(start)
	log.Info().Str("org", org).Str("repo", repo).
		Int("pages", res.Pages).Int("issues", res.Issues).Int("events", res.Events).
		Int("skipped", res.Skipped).Dur("took", res.Duration).
		Msg("repository sync complete")
	return res, nil
}

// SyncOrganization discovers the organization's repositories and syncs each
// one. Repositories are independent: a failure in one is recorded in its
// result and does not stop the others, and their committed checkpoints
// stand. workers > 1 syncs repositories concurrently, which is safe because
// checkpoints and upsert targets are disjoint per repository.
func (s *Syncer) SyncOrganization(ctx context.Context, org string) ([]models.SyncResult, error) {
	if err := s.store.UpsertOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("failed to save organization %s: %w", org, err)
	}

	repos, err := s.lister.ListRepositories(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", org, err)
	}
	log.Info().Str("org", org).Int("repos", len(repos)).Msg("discovered repositories")

	results := make([]models.SyncResult, len(repos))
	var g errgroup.Group
	g.SetLimit(s.workers)

	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			res, err := s.SyncRepository(ctx, org, repo)
			if err != nil {
				log.Error().Err(err).Str("org", org).Str("repo", repo).Msg("repository sync failed")
				res.Err = err
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	return results, nil
}
