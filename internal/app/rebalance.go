package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tandem/api/internal/ordering"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
)

const (
	scopeCards = "cards"
	scopeLists = "lists"
)

// position places selfID at index among siblings. selfID is left out of the
// key set, so an item moving inside its own parent lands relative to the
// others. An index past the end clamps to the tail. moved is false when the
// item already sits at the target index.
func (s *Service) position(siblings []store.Sibling, selfID string, index int) (placement ordering.Placement, moved bool, err error) {
	current := -1
	others := make([]float64, 0, len(siblings))
	for i, sib := range siblings {
		if sib.ID == selfID {
			current = i
			continue
		}
		others = append(others, sib.Order)
	}
	if index > len(others) {
		index = len(others)
	}
	if current == index {
		return ordering.Placement{}, false, nil
	}
	placement, err = s.allocator.Allocate(others, index)
	if err != nil {
		return ordering.Placement{}, false, err
	}
	return placement, true, nil
}

// checkPlacement runs after BROADCAST. A narrow placement is counted and the
// sibling set is respaced in the background; the mutation itself is already
// complete and visible.
func (s *Service) checkPlacement(scope string, placement ordering.Placement, boardID, listID string) {
	if !placement.Narrow {
		return
	}
	if s.metrics != nil {
		s.metrics.NarrowKeys.WithLabelValues(scope).Inc()
	}
	s.log.WithFields(logrus.Fields{
		"scope":    scope,
		"board_id": boardID,
		"list_id":  listID,
		"gap":      placement.Gap,
	}).Info("order key gap below threshold; scheduling respace")

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PostCommitLimit)
		defer cancel()
		var err error
		if scope == scopeCards {
			err = s.RebalanceCards(ctx, boardID, listID)
		} else {
			err = s.RebalanceLists(ctx, boardID)
		}
		if err != nil {
			s.log.WithError(err).WithField("scope", scope).Warn("respace failed")
		}
	}()
}

// RebalanceCards rewrites every card key in a list with even spacing and
// tells board subscribers to refetch.
func (s *Service) RebalanceCards(ctx context.Context, boardID, listID string) error {
	return s.rebalance(ctx, scopeCards, boardID, func(ctx context.Context) ([]store.Sibling, error) {
		return s.store.RespaceCards(ctx, listID)
	})
}

// RebalanceLists rewrites every list key on a board.
func (s *Service) RebalanceLists(ctx context.Context, boardID string) error {
	return s.rebalance(ctx, scopeLists, boardID, func(ctx context.Context) ([]store.Sibling, error) {
		return s.store.RespaceLists(ctx, boardID)
	})
}

func (s *Service) rebalance(ctx context.Context, scope, boardID string, respace func(context.Context) ([]store.Sibling, error)) error {
	started := time.Now()
	siblings, err := respace(ctx)
	if err != nil {
		s.countRebalance(scope, "error")
		return storeError(scope, err)
	}
	s.countRebalance(scope, "ok")
	s.log.WithFields(logrus.Fields{
		"scope":       scope,
		"board_id":    boardID,
		"count":       len(siblings),
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("order keys respaced")

	s.broadcast(ctx, realtime.BoardRoom(boardID), EventBoardResync, map[string]string{"boardId": boardID}, "")
	return nil
}

func (s *Service) countRebalance(scope, outcome string) {
	if s.metrics != nil {
		s.metrics.Rebalances.WithLabelValues(scope, outcome).Inc()
	}
}
