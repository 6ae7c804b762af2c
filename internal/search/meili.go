package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const idxCards = "tandem_cards"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     logrus.FieldLogger
}

// NewMeili connects and configures the card index. An unreachable server is
// not an error; the health loop keeps probing and reconfigures on recovery.
func NewMeili(url, apiKey string, logger logrus.FieldLogger) *Meili {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    logger.WithField("component", "search"),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxCards, PrimaryKey: "id"}); err != nil {
		m.log.WithError(err).Debug("create card index (may already exist)")
	}
	index := m.client.Index(idxCards)
	filterable := []interface{}{"boardId", "workspaceId", "listId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.WithError(err).Warn("update filterable attributes")
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.WithError(err).Warn("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = normalize(q)

	req := &meili.SearchRequest{
		Limit:                 int64(q.Limit),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title", "description"},
		AttributesToCrop:      []string{"description"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.BoardID != "" {
		req.Filter = fmt.Sprintf("boardId = %q", q.BoardID)
	}

	resp, err := m.client.Index(idxCards).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:      decodeString(hit, "id"),
		ListID:  decodeString(hit, "listId"),
		BoardID: decodeString(hit, "boardId"),
		Title:   firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet: firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexCards(cards []CardRecord) error {
	if len(cards) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCards).AddDocuments(cards, nil)
	return err
}

func (m *Meili) DeleteCards(ids []string) error {
	index := m.client.Index(idxCards)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete card %s: %w", id, err)
		}
	}
	return nil
}
