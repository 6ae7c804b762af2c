package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tandem/api/internal/activity"
	"tandem/api/internal/auth"
	"tandem/api/internal/config"
	"tandem/api/internal/metrics"
	"tandem/api/internal/ordering"
	"tandem/api/internal/rbac"
	"tandem/api/internal/realtime"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

// DataStore is the persistence surface the coordinator needs. Every method
// is a single atomic statement or transaction.
type DataStore interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userID string) (store.User, error)
	MemberRole(ctx context.Context, workspaceID, userID string) (string, error)
	AddMember(ctx context.Context, member store.Member) (store.Member, error)

	InsertBoard(ctx context.Context, board store.Board) (store.Board, error)
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	ListBoards(ctx context.Context, workspaceID string) ([]store.Board, error)
	DeleteBoard(ctx context.Context, boardID string) error
	LoadBoard(ctx context.Context, boardID string) (store.BoardView, error)

	GetList(ctx context.Context, listID string) (store.List, error)
	LoadList(ctx context.Context, listID string) (store.ListWithCards, error)
	ListSiblings(ctx context.Context, boardID string) ([]store.Sibling, error)
	InsertList(ctx context.Context, list store.List) (store.List, error)
	UpdateList(ctx context.Context, list store.List) (store.List, error)
	DeleteList(ctx context.Context, listID string) error

	GetCard(ctx context.Context, cardID string) (store.Card, error)
	CardSiblings(ctx context.Context, listID string) ([]store.Sibling, error)
	InsertCard(ctx context.Context, card store.Card) (store.Card, error)
	UpdateCard(ctx context.Context, card store.Card) (store.Card, error)
	DeleteCard(ctx context.Context, cardID string) error

	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
	ListComments(ctx context.Context, cardID string) ([]store.Comment, error)

	InsertActivity(ctx context.Context, entry store.ActivityLogEntry) (store.ActivityLogEntry, error)
	ListActivity(ctx context.Context, workspaceID string, limit int) ([]store.ActivityLogEntry, error)

	RespaceCards(ctx context.Context, listID string) ([]store.Sibling, error)
	RespaceLists(ctx context.Context, boardID string) ([]store.Sibling, error)
}

// Publisher fans events out to room members. *realtime.Broadcaster is the
// production implementation.
type Publisher interface {
	Publish(ctx context.Context, room realtime.Room, event string, payload any, exclude string) error
}

// CardIndex is the optional search collaborator.
type CardIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexCard(card search.CardRecord)
	DeleteCards(ids ...string)
}

// Actor is the caller of a mutation. ConnectionID names the caller's own
// socket, if any, so committed broadcasts skip it.
type Actor struct {
	UserID       string
	ConnectionID string
}

type Service struct {
	cfg       config.Config
	store     DataStore
	publisher Publisher
	recorder  *activity.Recorder
	search    CardIndex
	allocator ordering.Allocator
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	background sync.WaitGroup
}

func New(cfg config.Config, dataStore DataStore, publisher Publisher, index CardIndex, m *metrics.Metrics, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.PostCommitLimit <= 0 {
		cfg.PostCommitLimit = 5 * time.Second
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 50
	}
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		publisher: publisher,
		search:    index,
		allocator: ordering.NewAllocator(cfg.RenormalizeEpsilon),
		metrics:   m,
		log:       logger.WithField("component", "coordinator"),
	}
	s.recorder = activity.NewRecorder(dataStore, publisher, m, logger)
	return s
}

// Recorder exposes the activity recorder so callers can attach an error hook.
func (s *Service) Recorder() *activity.Recorder {
	return s.recorder
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until scheduled background work, such as key respacing, has
// finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Authenticate verifies a bearer token and returns the user it names.
func (s *Service) Authenticate(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, auth.ErrInvalidToken
		}
		return store.User{}, storeError("user", err)
	}
	return user, nil
}

// authorize resolves the actor's role in a workspace and checks it allows
// action. Non-members are forbidden outright.
func (s *Service) authorize(ctx context.Context, actor Actor, workspaceID string, action rbac.Action) (rbac.Role, error) {
	raw, err := s.store.MemberRole(ctx, workspaceID, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", forbidden()
		}
		return "", storeError("membership", err)
	}
	role := rbac.Normalize(raw)
	if !rbac.Can(role, action) {
		return role, forbidden()
	}
	return role, nil
}

// AuthorizeBoard gates join_board: the user must be able to read the board's
// workspace.
func (s *Service) AuthorizeBoard(ctx context.Context, userID, boardID string) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, storeError("board", err)
	}
	if _, err := s.authorize(ctx, Actor{UserID: userID}, board.WorkspaceID, rbac.ActionRead); err != nil {
		return store.Board{}, err
	}
	return board, nil
}

// AuthorizeBoardAction checks the user may perform action on the board. It
// gates provisional relays, which mirror mutations the user could commit.
func (s *Service) AuthorizeBoardAction(ctx context.Context, userID, boardID string, action rbac.Action) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return storeError("board", err)
	}
	_, err = s.authorize(ctx, Actor{UserID: userID}, board.WorkspaceID, action)
	return err
}

// AuthorizeWorkspace gates join_workspace.
func (s *Service) AuthorizeWorkspace(ctx context.Context, userID, workspaceID string) error {
	_, err := s.authorize(ctx, Actor{UserID: userID}, workspaceID, rbac.ActionRead)
	return err
}

// postCommit returns the context for the LOGGED and BROADCAST stages. The
// mutation is already durable, so caller cancellation no longer applies; the
// stages get their own deadline instead.
func (s *Service) postCommit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PostCommitLimit)
}

func (s *Service) broadcast(ctx context.Context, room realtime.Room, event string, payload any, exclude string) {
	if err := s.publisher.Publish(ctx, room, event, payload, exclude); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"room":  room.String(),
			"event": event,
		}).Warn("broadcast failed after commit")
	}
}

func (s *Service) indexCard(card store.Card) {
	if s.search == nil {
		return
	}
	s.search.IndexCard(search.CardRecord{
		ID:          card.ID,
		Title:       card.Title,
		Description: card.Description,
		ListID:      card.ListID,
		BoardID:     card.BoardID,
		WorkspaceID: card.WorkspaceID,
	})
}

func (s *Service) unindexCards(ids ...string) {
	if s.search != nil && len(ids) > 0 {
		s.search.DeleteCards(ids...)
	}
}
