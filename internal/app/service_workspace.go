package app

import (
	"context"
	"strings"

	"tandem/api/internal/activity"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

// InviteMember adds userID to a workspace, or changes the role of an
// existing member. Admins only.
func (s *Service) InviteMember(ctx context.Context, actor Actor, workspaceID, userID, role string) (store.Member, error) {
	userID = strings.TrimSpace(userID)
	role = strings.ToLower(strings.TrimSpace(role))
	if userID == "" {
		return store.Member{}, validationError("userId is required")
	}
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return store.Member{}, validationError("role must be one of viewer, member, admin")
	}
	if _, err := s.authorize(ctx, actor, workspaceID, rbac.ActionAdmin); err != nil {
		return store.Member{}, err
	}

	member, err := s.store.AddMember(ctx, store.Member{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
	})
	if err != nil {
		return store.Member{}, storeError("user", err)
	}

	pctx, cancel := s.postCommit(ctx)
	defer cancel()
	subject := member.UserName
	if subject == "" {
		subject = member.UserID
	}
	s.recorder.RecordChange(pctx, activity.Scope{WorkspaceID: workspaceID, UserID: actor.UserID},
		activity.Change{Op: activity.OpInvite, Entity: activity.EntityMember, Subject: subject})
	return member, nil
}

// ActivityLog returns the most recent entries of a workspace, newest first.
// limit is capped at the configured window.
func (s *Service) ActivityLog(ctx context.Context, actor Actor, workspaceID string, limit int) ([]store.ActivityLogEntry, error) {
	if _, err := s.authorize(ctx, actor, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.ActivityWindow {
		limit = s.cfg.ActivityWindow
	}
	entries, err := s.store.ListActivity(ctx, workspaceID, limit)
	if err != nil {
		return nil, storeError("workspace", err)
	}
	return entries, nil
}

func (s *Service) SearchCards(ctx context.Context, actor Actor, boardID, text string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return search.Response{}, storeError("board", err)
	}
	if _, err := s.authorize(ctx, actor, board.WorkspaceID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if text == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:    text,
		BoardID: boardID,
		Limit:   limit,
		Offset:  offset,
	}), nil
}
