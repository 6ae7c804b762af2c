package store

import "time"

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Member struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName,omitempty"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type Board struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	Background  string    `json:"background"`
	CreatedAt   time.Time `json:"createdAt"`
}

type List struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Order     float64   `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	// Resolved by join, not stored on the row.
	WorkspaceID string `json:"-"`
}

type Card struct {
	ID          string     `json:"id"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Order       float64    `json:"order"`
	DueDate     *time.Time `json:"dueDate"`
	AssigneeID  *string    `json:"assigneeId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	// Resolved by join, not stored on the row.
	BoardID     string `json:"-"`
	WorkspaceID string `json:"-"`
	ListTitle   string `json:"-"`
}

type Comment struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActivityLogEntry is append-only. UserName and BoardTitle are joined in on
// read so live subscribers can render the entry without another fetch.
type ActivityLogEntry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	BoardID     *string   `json:"boardId"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entityType"`
	EntityTitle string    `json:"entityTitle"`
	BoardTitle  string    `json:"boardTitle,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Sibling is the ordering-relevant projection of a list or card.
type Sibling struct {
	ID    string
	Order float64
}

type ListWithCards struct {
	List
	Cards []Card `json:"cards"`
}

type BoardView struct {
	Board
	Lists []ListWithCards `json:"lists"`
}

// Keys returns the order keys of siblings in their given order.
func Keys(siblings []Sibling) []float64 {
	keys := make([]float64, len(siblings))
	for i, s := range siblings {
		keys[i] = s.Order
	}
	return keys
}
