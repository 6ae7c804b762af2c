package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"tandem/api/internal/activity"
	"tandem/api/internal/rbac"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

// CardPatch is a partial card update. Nil fields are left unchanged. An
// empty AssigneeID unassigns; ClearDueDate removes the due date.
type CardPatch struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
	AssigneeID   *string    `json:"assigneeId"`
}

// CreateCard appends a card at the tail of a list.
func (s *Service) CreateCard(ctx context.Context, actor Actor, listID, title, description string) (store.Card, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(listID) == "" {
		return store.Card{}, validationError("listId is required")
	}
	if title == "" {
		return store.Card{}, validationError("title is required")
	}
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return store.Card{}, storeError("list", err)
	}
	if _, err := s.authorize(ctx, actor, list.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}

	siblings, err := s.store.CardSiblings(ctx, listID)
	if err != nil {
		return store.Card{}, storeError("list", err)
	}
	placement, err := s.allocator.Allocate(store.Keys(siblings), len(siblings))
	if err != nil {
		return store.Card{}, validationError(err.Error())
	}

	card, err := s.store.InsertCard(ctx, store.Card{
		ID:          util.NewID("crd"),
		ListID:      listID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Order:       placement.Key,
	})
	if err != nil {
		return store.Card{}, storeError("list", err)
	}
	card.BoardID, card.WorkspaceID, card.ListTitle = list.BoardID, list.WorkspaceID, list.Title

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: list.WorkspaceID, BoardID: list.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpCreate, Entity: activity.EntityCard, Title: card.Title})
	s.broadcast(pctx, realtime.BoardRoom(list.BoardID), EventCardAdded, card, actor.ConnectionID)
	s.indexCard(card)
	s.checkPlacement(scopeCards, placement, list.BoardID, listID)
	return card, nil
}

// UpdateCard applies patch. A patch that changes nothing is not committed,
// logged or broadcast.
func (s *Service) UpdateCard(ctx context.Context, actor Actor, cardID string, patch CardPatch) (store.Card, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return store.Card{}, validationError("title must not be empty")
	}
	if patch.ClearDueDate && patch.DueDate != nil {
		return store.Card{}, validationError("dueDate and clearDueDate are mutually exclusive")
	}
	current, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, storeError("card", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}

	next := current
	if patch.Title != nil {
		next.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		next.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.DueDate != nil {
		// TIMESTAMPTZ keeps microseconds; finer digits would never compare equal.
		due := patch.DueDate.UTC().Truncate(time.Microsecond)
		next.DueDate = &due
	}
	if patch.ClearDueDate {
		next.DueDate = nil
	}
	if patch.AssigneeID != nil {
		assignee := strings.TrimSpace(*patch.AssigneeID)
		if assignee == "" {
			next.AssigneeID = nil
		} else {
			if err := s.requireMember(ctx, current.WorkspaceID, assignee); err != nil {
				return store.Card{}, err
			}
			next.AssigneeID = &assignee
		}
	}
	if !cardChanged(current, next) {
		return current, nil
	}

	updated, err := s.store.UpdateCard(ctx, next)
	if err != nil {
		return store.Card{}, storeError("card", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: current.WorkspaceID, BoardID: current.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpUpdate, Entity: activity.EntityCard, Title: updated.Title, Before: cardState(current), After: cardState(updated)})
	s.broadcast(pctx, realtime.BoardRoom(current.BoardID), EventCardUpdated, updated, actor.ConnectionID)
	s.indexCard(updated)
	return updated, nil
}

// MoveCard places a card at index in the destination list, which may be its
// current list. Moving to the position the card already holds is a no-op.
func (s *Service) MoveCard(ctx context.Context, actor Actor, cardID, listID string, index int) (store.Card, error) {
	if strings.TrimSpace(listID) == "" {
		return store.Card{}, validationError("listId is required")
	}
	if index < 0 {
		return store.Card{}, validationError("index must not be negative")
	}
	current, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, storeError("card", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}

	destTitle := current.ListTitle
	if listID != current.ListID {
		dest, err := s.store.GetList(ctx, listID)
		if err != nil {
			return store.Card{}, storeError("list", err)
		}
		if dest.BoardID != current.BoardID {
			return store.Card{}, validationError("destination list belongs to another board")
		}
		destTitle = dest.Title
	}

	siblings, err := s.store.CardSiblings(ctx, listID)
	if err != nil {
		return store.Card{}, storeError("list", err)
	}
	placement, moved, err := s.position(siblings, cardID, index)
	if err != nil {
		return store.Card{}, validationError(err.Error())
	}
	if !moved {
		return current, nil
	}

	next := current
	next.ListID = listID
	next.Order = placement.Key
	updated, err := s.store.UpdateCard(ctx, next)
	if err != nil {
		return store.Card{}, storeError("card", err)
	}
	updated.ListTitle = destTitle

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: current.WorkspaceID, BoardID: current.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpUpdate, Entity: activity.EntityCard, Title: updated.Title, Before: cardState(current), After: cardState(updated)})
	s.broadcastMove(pctx, actor, current, updated)
	if current.ListID != listID {
		s.indexCard(updated)
	}
	s.checkPlacement(scopeCards, placement, current.BoardID, listID)
	return updated, nil
}

func (s *Service) broadcastMove(ctx context.Context, actor Actor, before, after store.Card) {
	room := realtime.BoardRoom(before.BoardID)
	newList, err := s.store.LoadList(ctx, after.ListID)
	if err == nil {
		oldList := newList
		if before.ListID != after.ListID {
			oldList, err = s.store.LoadList(ctx, before.ListID)
		}
		if err == nil {
			s.broadcast(ctx, room, EventCardMoved, CardMovedPayload{
				BoardID: before.BoardID,
				CardID:  after.ID,
				OldList: oldList,
				NewList: newList,
			}, actor.ConnectionID)
			return
		}
	}
	// Peers cannot be given the final lists, so have them refetch.
	s.log.WithError(err).WithField("card_id", after.ID).Warn("load lists for card_moved")
	s.broadcast(ctx, room, EventBoardResync, map[string]string{"boardId": before.BoardID}, actor.ConnectionID)
}

// DeleteCard removes a card. Admins only.
func (s *Service) DeleteCard(ctx context.Context, actor Actor, cardID string) error {
	current, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return storeError("card", err)
	}
	if _, err := s.authorize(ctx, actor, current.WorkspaceID, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return storeError("card", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: current.WorkspaceID, BoardID: current.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpDelete, Entity: activity.EntityCard, Title: current.Title})
	s.broadcast(pctx, realtime.BoardRoom(current.BoardID), EventCardDeleted, map[string]string{"cardId": cardID, "listId": current.ListID}, actor.ConnectionID)
	s.unindexCards(cardID)
	return nil
}

func (s *Service) AddComment(ctx context.Context, actor Actor, cardID, text string) (store.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Comment{}, validationError("text is required")
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Comment{}, storeError("card", err)
	}
	if _, err := s.authorize(ctx, actor, card.WorkspaceID, rbac.ActionWrite); err != nil {
		return store.Comment{}, err
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:     util.NewID("cmt"),
		CardID: cardID,
		UserID: actor.UserID,
		Text:   text,
	})
	if err != nil {
		return store.Comment{}, storeError("card", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: card.WorkspaceID, BoardID: card.BoardID, UserID: actor.UserID},
		activity.Change{Op: activity.OpComment, Entity: activity.EntityComment, Subject: card.Title})
	s.broadcast(pctx, realtime.BoardRoom(card.BoardID), EventCommentAdded, comment, actor.ConnectionID)
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, actor Actor, cardID string) ([]store.Comment, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, storeError("card", err)
	}
	if _, err := s.authorize(ctx, actor, card.WorkspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, cardID)
	if err != nil {
		return nil, storeError("card", err)
	}
	return comments, nil
}

func (s *Service) requireMember(ctx context.Context, workspaceID, userID string) error {
	if _, err := s.store.MemberRole(ctx, workspaceID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationError("assignee is not a workspace member")
		}
		return storeError("membership", err)
	}
	return nil
}

func cardState(c store.Card) *activity.CardState {
	return &activity.CardState{
		ListID:      c.ListID,
		ListTitle:   c.ListTitle,
		Title:       c.Title,
		Description: c.Description,
		DueDate:     c.DueDate,
	}
}

func cardChanged(a, b store.Card) bool {
	return a.Title != b.Title ||
		a.Description != b.Description ||
		!sameTime(a.DueDate, b.DueDate) ||
		!sameString(a.AssigneeID, b.AssigneeID)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
