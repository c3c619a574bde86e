package api

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// GraphQLClient handles the organization repository listing. Discovery goes
// through GraphQL because one paginated query covers the whole organization;
// issue and timeline fetching stay on REST, which is where the stable
// numeric event ids live.
type GraphQLClient struct {
	client *githubv4.Client
}

// NewGraphQLClient creates a new GraphQL client. The GraphQL API requires a
// token; an empty one will fail at query time with an auth error.
func NewGraphQLClient(token string) *GraphQLClient {
	src := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(context.Background(), src)
	return &GraphQLClient{client: githubv4.NewClient(httpClient)}
}

// ListRepositories returns the names of all non-archived repositories in
// the organization, following cursor pagination to the end.
func (c *GraphQLClient) ListRepositories(ctx context.Context, org string) ([]string, error) {
	var q struct {
		Organization struct {
			Repositories struct {
				Nodes []struct {
					Name       githubv4.String
					IsArchived githubv4.Boolean
				}
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"repositories(first: 100, after: $cursor)"`
		} `graphql:"organization(login: $login)"`
	}

	vars := map[string]interface{}{
		"login":  githubv4.String(org),
		"cursor": (*githubv4.String)(nil),
	}

	var names []string
	for {
		if err := c.client.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("failed to list repositories for %s: %w", org, err)
		}

		for _, node := range q.Organization.Repositories.Nodes {
			if bool(node.IsArchived) {
				continue
			}
			names = append(names, string(node.Name))
		}

		if !q.Organization.Repositories.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(q.Organization.Repositories.PageInfo.EndCursor)
	}

	return names, nil
}
