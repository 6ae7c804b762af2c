// Package search finds cards by text. Meilisearch serves queries while it is
// reachable; Postgres full-text search answers otherwise.
package search

import "context"

// Result is a single card hit.
type Result struct {
	ID      string `json:"id"`
	ListID  string `json:"listId"`
	BoardID string `json:"boardId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type Query struct {
	Text    string
	BoardID string
	Limit   int
	Offset  int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	Healthy() bool
	IndexCards(cards []CardRecord) error
	DeleteCards(ids []string) error
}

// CardRecord is the indexed projection of a card.
type CardRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ListID      string `json:"listId"`
	BoardID     string `json:"boardId"`
	WorkspaceID string `json:"workspaceId"`
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
