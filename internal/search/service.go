package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service tries the index first and falls back to the database.
type Service struct {
	index    Indexer
	primary  Searcher
	fallback Searcher
	log      logrus.FieldLogger
}

// NewService wires the facade. meili may be nil when no index is configured.
func NewService(meili *Meili, pgfts *PgFTS, logger logrus.FieldLogger) *Service {
	s := &Service{}
	if pgfts != nil {
		s.fallback = pgfts
	}
	if meili != nil {
		s.index = meili
		s.primary = meili
	}
	return s.withLogger(logger)
}

func (s *Service) withLogger(logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s.log = logger.WithField("component", "search")
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("index search failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCard pushes a card to the index without waiting.
func (s *Service) IndexCard(card CardRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexCards([]CardRecord{card}); err != nil {
			s.log.WithError(err).WithField("card_id", card.ID).Warn("index card")
		}
	}()
}

// DeleteCards removes cards from the index without waiting.
func (s *Service) DeleteCards(ids ...string) {
	if s.index == nil || !s.index.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.index.DeleteCards(ids); err != nil {
			s.log.WithError(err).WithField("count", len(ids)).Warn("delete cards from index")
		}
	}()
}

// ReindexFromPG loads every card from the database into the index.
func (s *Service) ReindexFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.index == nil || !s.index.Healthy() || pgfts == nil {
		return
	}
	cards, err := pgfts.LoadCards(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.index.IndexCards(cards); err != nil {
		s.log.WithError(err).Warn("reindex cards")
		return
	}
	s.log.WithField("count", len(cards)).Info("card index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
