package store

import (
	"context"
	"database/sql"
	"fmt"

	"tandem/api/internal/ordering"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, classify("get user", err)
	}
	return user, nil
}

// MemberRole returns the caller's role in a workspace, or ErrNotFound when the
// user is not a member.
func (s *PostgresStore) MemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if err != nil {
		return "", classify("read role", err)
	}
	return role, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member Member) (Member, error) {
	err := s.db.QueryRowContext(ctx, `
		WITH upserted AS (
			INSERT INTO workspace_members (workspace_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
			RETURNING workspace_id, user_id, role, joined_at
		)
		SELECT m.workspace_id, m.user_id, u.name, m.role, m.joined_at
		FROM upserted m
		JOIN users u ON u.id = m.user_id
	`, member.WorkspaceID, member.UserID, member.Role).
		Scan(&member.WorkspaceID, &member.UserID, &member.UserName, &member.Role, &member.JoinedAt)
	if err != nil {
		return Member{}, classify("add member", err)
	}
	return member, nil
}

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) (Board, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO boards (id, workspace_id, title, background)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, board.ID, board.WorkspaceID, board.Title, board.Background).Scan(&board.CreatedAt)
	if err != nil {
		return Board{}, classify("insert board", err)
	}
	return board, nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, background, created_at FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.WorkspaceID, &board.Title, &board.Background, &board.CreatedAt)
	if err != nil {
		return Board{}, classify("get board", err)
	}
	return board, nil
}

func (s *PostgresStore) ListBoards(ctx context.Context, workspaceID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, background, created_at
		FROM boards
		WHERE workspace_id=$1
		ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var item Board
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Title, &item.Background, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return requireAffected("delete board", result)
}

// LoadBoard returns the board with its lists ascending by order key, each
// carrying its cards ascending by order key.
func (s *PostgresStore) LoadBoard(ctx context.Context, boardID string) (BoardView, error) {
	board, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return BoardView{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, title, sort_order, created_at
		FROM lists
		WHERE board_id=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, boardID)
	if err != nil {
		return BoardView{}, fmt.Errorf("load lists: %w", err)
	}
	defer rows.Close()

	view := BoardView{Board: board, Lists: make([]ListWithCards, 0)}
	index := make(map[string]int)
	for rows.Next() {
		var item List
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Title, &item.Order, &item.CreatedAt); err != nil {
			return BoardView{}, fmt.Errorf("scan list: %w", err)
		}
		item.WorkspaceID = board.WorkspaceID
		index[item.ID] = len(view.Lists)
		view.Lists = append(view.Lists, ListWithCards{List: item, Cards: make([]Card, 0)})
	}
	if err := rows.Err(); err != nil {
		return BoardView{}, fmt.Errorf("iterate lists: %w", err)
	}

	cards, err := s.queryCards(ctx, `
		SELECT c.id, c.list_id, c.title, c.description, c.sort_order, c.due_date, c.assignee_id, c.created_at, c.updated_at
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		WHERE l.board_id=$1
		ORDER BY c.sort_order ASC, c.created_at ASC, c.id ASC
	`, boardID)
	if err != nil {
		return BoardView{}, err
	}
	for _, card := range cards {
		pos, ok := index[card.ListID]
		if !ok {
			continue
		}
		card.BoardID = board.ID
		card.WorkspaceID = board.WorkspaceID
		card.ListTitle = view.Lists[pos].Title
		view.Lists[pos].Cards = append(view.Lists[pos].Cards, card)
	}
	return view, nil
}

// LoadList returns one list with its ordered cards.
func (s *PostgresStore) LoadList(ctx context.Context, listID string) (ListWithCards, error) {
	list, err := s.GetList(ctx, listID)
	if err != nil {
		return ListWithCards{}, err
	}
	cards, err := s.queryCards(ctx, `
		SELECT id, list_id, title, description, sort_order, due_date, assignee_id, created_at, updated_at
		FROM cards
		WHERE list_id=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, listID)
	if err != nil {
		return ListWithCards{}, err
	}
	if cards == nil {
		cards = make([]Card, 0)
	}
	return ListWithCards{List: list, Cards: cards}, nil
}

func (s *PostgresStore) GetList(ctx context.Context, listID string) (List, error) {
	var item List
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.board_id, l.title, l.sort_order, l.created_at, b.workspace_id
		FROM lists l
		JOIN boards b ON b.id = l.board_id
		WHERE l.id=$1
	`, listID).Scan(&item.ID, &item.BoardID, &item.Title, &item.Order, &item.CreatedAt, &item.WorkspaceID)
	if err != nil {
		return List{}, classify("get list", err)
	}
	return item, nil
}

// ListSiblings returns the lists of a board ascending by order key.
func (s *PostgresStore) ListSiblings(ctx context.Context, boardID string) ([]Sibling, error) {
	return s.siblings(ctx, "list siblings", `
		SELECT id, sort_order FROM lists WHERE board_id=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, boardID)
}

func (s *PostgresStore) InsertList(ctx context.Context, item List) (List, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO lists (id, board_id, title, sort_order)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, item.ID, item.BoardID, item.Title, item.Order).Scan(&item.CreatedAt)
	if err != nil {
		return List{}, classify("insert list", err)
	}
	return item, nil
}

// UpdateList writes title and order key together.
func (s *PostgresStore) UpdateList(ctx context.Context, item List) (List, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE lists SET title=$2, sort_order=$3 WHERE id=$1
	`, item.ID, item.Title, item.Order)
	if err != nil {
		return List{}, fmt.Errorf("update list: %w", err)
	}
	if err := requireAffected("update list", result); err != nil {
		return List{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteList(ctx context.Context, listID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return requireAffected("delete list", result)
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	var item Card
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.list_id, c.title, c.description, c.sort_order, c.due_date, c.assignee_id,
			c.created_at, c.updated_at, l.board_id, b.workspace_id, l.title
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		JOIN boards b ON b.id = l.board_id
		WHERE c.id=$1
	`, cardID).Scan(
		&item.ID, &item.ListID, &item.Title, &item.Description, &item.Order, &item.DueDate, &item.AssigneeID,
		&item.CreatedAt, &item.UpdatedAt, &item.BoardID, &item.WorkspaceID, &item.ListTitle,
	)
	if err != nil {
		return Card{}, classify("get card", err)
	}
	return item, nil
}

// CardSiblings returns the cards of a list ascending by order key.
func (s *PostgresStore) CardSiblings(ctx context.Context, listID string) ([]Sibling, error) {
	return s.siblings(ctx, "card siblings", `
		SELECT id, sort_order FROM cards WHERE list_id=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, listID)
}

func (s *PostgresStore) InsertCard(ctx context.Context, item Card) (Card, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cards (id, list_id, title, description, sort_order, due_date, assignee_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, item.ID, item.ListID, item.Title, item.Description, item.Order, item.DueDate, item.AssigneeID).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Card{}, classify("insert card", err)
	}
	return item, nil
}

// UpdateCard writes every mutable column, list membership and order key
// included, in one statement so a move is never half applied.
func (s *PostgresStore) UpdateCard(ctx context.Context, item Card) (Card, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE cards
		SET list_id=$2, title=$3, description=$4, sort_order=$5, due_date=$6, assignee_id=$7, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, item.ID, item.ListID, item.Title, item.Description, item.Order, item.DueDate, item.AssigneeID).
		Scan(&item.UpdatedAt)
	if err != nil {
		return Card{}, classify("update card", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteCard(ctx context.Context, cardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return requireAffected("delete card", result)
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO comments (id, card_id, user_id, text)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, user_id
		)
		SELECT i.created_at, COALESCE(u.name, '')
		FROM inserted i
		LEFT JOIN users u ON u.id = i.user_id
	`, item.ID, item.CardID, item.UserID, item.Text).Scan(&item.CreatedAt, &item.UserName)
	if err != nil {
		return Comment{}, classify("insert comment", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, cardID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.card_id, c.user_id, COALESCE(u.name, ''), c.text, c.created_at
		FROM comments c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.card_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.CardID, &item.UserID, &item.UserName, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// InsertActivity appends a log entry and returns it with the acting user's
// name and the board title joined in.
func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityLogEntry) (ActivityLogEntry, error) {
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO activity_logs (id, workspace_id, board_id, user_id, action, entity_type, entity_title)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING user_id, board_id, created_at
		)
		SELECT i.created_at, COALESCE(u.name, ''), COALESCE(b.title, '')
		FROM inserted i
		LEFT JOIN users u ON u.id = i.user_id
		LEFT JOIN boards b ON b.id = i.board_id
	`, entry.ID, entry.WorkspaceID, entry.BoardID, entry.UserID, entry.Action, entry.EntityType, entry.EntityTitle).
		Scan(&entry.CreatedAt, &entry.UserName, &entry.BoardTitle)
	if err != nil {
		return ActivityLogEntry{}, classify("insert activity", err)
	}
	return entry, nil
}

// ListActivity returns the newest entries of a workspace first.
func (s *PostgresStore) ListActivity(ctx context.Context, workspaceID string, limit int) ([]ActivityLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.workspace_id, a.board_id, a.user_id, COALESCE(u.name, ''), a.action,
			a.entity_type, a.entity_title, COALESCE(b.title, ''), a.created_at
		FROM activity_logs a
		LEFT JOIN users u ON u.id = a.user_id
		LEFT JOIN boards b ON b.id = a.board_id
		WHERE a.workspace_id=$1
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityLogEntry, 0)
	for rows.Next() {
		var item ActivityLogEntry
		if err := rows.Scan(
			&item.ID, &item.WorkspaceID, &item.BoardID, &item.UserID, &item.UserName, &item.Action,
			&item.EntityType, &item.EntityTitle, &item.BoardTitle, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

// RespaceCards rewrites every card key in a list with even spacing, keeping
// the current order.
func (s *PostgresStore) RespaceCards(ctx context.Context, listID string) ([]Sibling, error) {
	return s.respace(ctx, "respace cards", "cards", "list_id", listID)
}

// RespaceLists rewrites every list key on a board with even spacing.
func (s *PostgresStore) RespaceLists(ctx context.Context, boardID string) ([]Sibling, error) {
	return s.respace(ctx, "respace lists", "lists", "board_id", boardID)
}

func (s *PostgresStore) respace(ctx context.Context, op, table, parentColumn, parentID string) ([]Sibling, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	// table and parentColumn are fixed identifiers chosen by the callers above.
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, sort_order FROM %s WHERE %s=$1
		ORDER BY sort_order ASC, created_at ASC, id ASC
		FOR UPDATE
	`, table, parentColumn), parentID)
	if err != nil {
		return nil, fmt.Errorf("%s: lock: %w", op, err)
	}
	siblings, err := scanSiblings(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	keys := ordering.Spread(len(siblings))
	update := fmt.Sprintf(`UPDATE %s SET sort_order=$2 WHERE id=$1`, table)
	for i := range siblings {
		siblings[i].Order = keys[i]
		if _, err := tx.ExecContext(ctx, update, siblings[i].ID, keys[i]); err != nil {
			return nil, fmt.Errorf("%s: update %s: %w", op, siblings[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}
	return siblings, nil
}

func (s *PostgresStore) siblings(ctx context.Context, op, query, parentID string) ([]Sibling, error) {
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	siblings, err := scanSiblings(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return siblings, nil
}

func scanSiblings(rows *sql.Rows) ([]Sibling, error) {
	defer rows.Close()
	items := make([]Sibling, 0)
	for rows.Next() {
		var item Sibling
		if err := rows.Scan(&item.ID, &item.Order); err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate siblings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) queryCards(ctx context.Context, query string, args ...any) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	var items []Card
	for rows.Next() {
		var item Card
		if err := rows.Scan(
			&item.ID, &item.ListID, &item.Title, &item.Description, &item.Order, &item.DueDate,
			&item.AssigneeID, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}
