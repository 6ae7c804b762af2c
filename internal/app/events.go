package app

// Board room events.
const (
	EventBoardDeleted = "board_deleted"
	EventBoardResync  = "board_resync"
	EventListAdded    = "list_added"
	EventListUpdated  = "list_updated"
	EventListMoved    = "list_moved"
	EventListDeleted  = "list_deleted"
	EventCardAdded    = "card_added"
	EventCardUpdated  = "card_updated"
	EventCardMoved    = "card_moved"
	EventCardDeleted  = "card_deleted"
	EventCommentAdded = "comment_added"
)

// CardMovedPayload carries both affected lists with their cards in final
// order so clients can replace them wholesale. For a reorder inside one list
// OldList and NewList are the same list.
type CardMovedPayload struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
	OldList any    `json:"oldList"`
	NewList any    `json:"newList"`
}
