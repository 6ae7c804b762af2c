package app

import (
	"context"
	"strings"

	"tandem/api/internal/activity"
	"tandem/api/internal/rbac"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

// CreateList appends a list at the tail of a board.
func (s *Service) CreateList(ctx context.Context, actor Actor, boardID, title string) (store.List, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(boardID) == "" {
		return store.List{}, validationError("boardId is required")
	}
	if title == "" {
		return store.List{}, validationError("title is required")
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.List{}, storeError("board", err)
	}
	if _, err := s.authorize(ctx, actor, board.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}

	siblings, err := s.store.ListSiblings(ctx, boardID)
	if err != nil {
		return store.List{}, storeError("board", err)
	}
	placement, err := s.allocator.Allocate(store.Keys(siblings), len(siblings))
	if err != nil {
		return store.List{}, validationError(err.Error())
	}

	list, err := s.store.InsertList(ctx, store.List{
		ID:      util.NewID("lst"),
		BoardID: boardID,
		Title:   title,
		Order:   placement.Key,
	})
	if err != nil {
		return store.List{}, storeError("board", err)
	}
	list.WorkspaceID = board.WorkspaceID

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: board.WorkspaceID, BoardID: boardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpCreate, Entity: activity.EntityList, Title: list.Title})
	s.broadcast(pctx, realtime.BoardRoom(boardID), EventListAdded, list, actor.ConnectionID)
	s.checkPlacement(scopeLists, placement, boardID, "")
	return list, nil
}

func (s *Service) RenameList(ctx context.Context, actor Actor, listID, title string) (store.List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.List{}, validationError("title is required")
	}
	current, err := s.store.GetList(ctx, listID)
	if err != nil {
		return store.List{}, storeError("list", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}
	if current.Title == title {
		return current, nil
	}

	next := current
	next.Title = title
	updated, err := s.store.UpdateList(ctx, next)
	if err != nil {
		return store.List{}, storeError("list", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: current.WorkspaceID, BoardID: current.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpUpdate, Entity: activity.EntityList, PrevTitle: current.Title, Title: updated.Title})
	s.broadcast(pctx, realtime.BoardRoom(current.BoardID), EventListUpdated, updated, actor.ConnectionID)
	return updated, nil
}

// MoveList reorders a list within its board. Reordering is not audited.
func (s *Service) MoveList(ctx context.Context, actor Actor, listID string, index int) (store.List, error) {
	if index < 0 {
		return store.List{}, validationError("index must not be negative")
	}
	current, err := s.store.GetList(ctx, listID)
	if err != nil {
		return store.List{}, storeError("list", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}

	siblings, err := s.store.ListSiblings(ctx, current.BoardID)
	if err != nil {
		return store.List{}, storeError("board", err)
	}
	placement, moved, err := s.position(siblings, listID, index)
	if err != nil {
		return store.List{}, validationError(err.Error())
	}
	if !moved {
		return current, nil
	}

	next := current
	next.Order = placement.Key
	updated, err := s.store.UpdateList(ctx, next)
	if err != nil {
		return store.List{}, storeError("list", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.broadcast(pctx, realtime.BoardRoom(current.BoardID), EventListMoved, updated, actor.ConnectionID)
	s.checkPlacement(scopeLists, placement, current.BoardID, "")
	return updated, nil
}

// DeleteList removes a list and its cards. Admins only.
func (s *Service) DeleteList(ctx context.Context, actor Actor, listID string) error {
	current, err := s.store.LoadList(ctx, listID)
	if err != nil {
		return storeError("list", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeleteList(ctx, listID); err != nil {
		return storeError("list", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: current.WorkspaceID, BoardID: current.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpDelete, Entity: activity.EntityList, Title: current.Title})
	s.broadcast(pctx, realtime.BoardRoom(current.BoardID), EventListDeleted, map[string]string{"listId": listID}, actor.ConnectionID)

	cardIDs := make([]string, 0, len(current.Cards))
	for _, card := range current.Cards {
		cardIDs = append(cardIDs, card.ID)
	}
	s.unindexCards(cardIDs...)
	return nil
}
