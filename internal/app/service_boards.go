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

func (s *Service) CreateBoard(ctx context.Context, actor Actor, workspaceID, title, background string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(workspaceID) == "" {
		return store.Board{}, validationError("workspaceId is required")
	}
	if title == "" {
		return store.Board{}, validationError("title is required")
	}
	if _, err := s.authorize(ctx, actor, workspaceID, rbac.ActionWrite); err != nil {
		return store.Board{}, err
	}

	board, err := s.store.InsertBoard(ctx, store.Board{
		ID:          util.NewID("brd"),
		WorkspaceID: workspaceID,
		Title:       title,
		Background:  strings.TrimSpace(background),
	})
	if err != nil {
		return store.Board{}, storeError("workspace", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: workspaceID, BoardID: board.ID, UserID: actor.UserID},
		activity.Change{Op: activity.OpCreate, Entity: activity.EntityBoard, Title: board.Title})
	return board, nil
}

func (s *Service) ListBoards(ctx context.Context, actor Actor, workspaceID string) ([]store.Board, error) {
	if _, err := s.authorize(ctx, actor, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	boards, err := s.store.ListBoards(ctx, workspaceID)
	if err != nil {
		return nil, storeError("workspace", err)
	}
	return boards, nil
}

// GetBoard returns the board with its lists and cards in display order.
func (s *Service) GetBoard(ctx context.Context, actor Actor, boardID string) (store.BoardView, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.BoardView{}, storeError("board", err)
	}
	if _, err := s.authorize(ctx, actor, board.WorkspaceID, rbac.ActionRead); err != nil {
		return store.BoardView{}, err
	}
	view, err := s.store.LoadBoard(ctx, boardID)
	if err != nil {
		return store.BoardView{}, storeError("board", err)
	}
	return view, nil
}

func (s *Service) DeleteBoard(ctx context.Context, actor Actor, boardID string) error {
	view, err := s.store.LoadBoard(ctx, boardID)
	if err != nil {
		return storeError("board", err)
	}
	if _, err := s.authorize(ctx, actor, view.WorkspaceID, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return storeError("board", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	// The board row is gone, so the entry is workspace-scoped.
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: view.WorkspaceID, UserID: actor.UserID},
		activity.Change{Op: activity.OpDelete, Entity: activity.EntityBoard, Title: view.Title})
	s.broadcast(pctx, realtime.BoardRoom(boardID), EventBoardDeleted, map[string]string{"boardId": boardID}, actor.ConnectionID)

	var cardIDs []string
	for _, list := range view.Lists {
		for _, card := range list.Cards {
			cardIDs = append(cardIDs, card.ID)
		}
	}
	s.unindexCards(cardIDs...)
	return nil
}
