package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches cards with PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole API is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// cardVector must match the expression of idx_cards_search.
const cardVector = `to_tsvector('simple', c.title || ' ' || c.description)`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	where := cardVector + ` @@ plainto_tsquery('simple', $1)`
	args := []any{q.Text}
	if q.BoardID != "" {
		where += ` AND l.board_id = $2`
		args = append(args, q.BoardID)
	}

	var total int
	countSQL := `SELECT count(*) FROM cards c JOIN lists l ON l.id = c.list_id WHERE ` + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.list_id, l.board_id, c.title,
			ts_headline('simple', c.description, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30')
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('simple', $1)) DESC, c.id
		LIMIT %d OFFSET %d`, where, cardVector, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ListID, &r.BoardID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadCards returns every card for a full reindex.
func (p *PgFTS) LoadCards(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.description, c.list_id, l.board_id, b.workspace_id
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		JOIN boards b ON b.id = l.board_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	cards := make([]CardRecord, 0)
	for rows.Next() {
		var c CardRecord
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.ListID, &c.BoardID, &c.WorkspaceID); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}
