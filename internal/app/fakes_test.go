package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"tandem/api/internal/config"
	"tandem/api/internal/metrics"
	"tandem/api/internal/ordering"
	"tandem/api/internal/realtime"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
)

// memStore is an in-memory DataStore with the same not-found and cascade
// behaviour as the Postgres implementation.
type memStore struct {
	mu       sync.Mutex
	clock    time.Time
	users    map[string]store.User
	members  map[string]map[string]string
	boards   map[string]store.Board
	lists    map[string]store.List
	cards    map[string]store.Card
	comments []store.Comment
	activity []store.ActivityLogEntry

	pingFn           func(context.Context) error
	insertActivityFn func(store.ActivityLogEntry) error
	updateCardCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		clock:   time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		users:   map[string]store.User{},
		members: map[string]map[string]string{},
		boards:  map[string]store.Board{},
		lists:   map[string]store.List{},
		cards:   map[string]store.Card{},
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) addUser(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = store.User{ID: id, Name: name, CreatedAt: m.tick()}
}

func (m *memStore) setRole(workspaceID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[workspaceID] == nil {
		m.members[workspaceID] = map[string]string{}
	}
	m.members[workspaceID][userID] = role
}

func (m *memStore) entries() []store.ActivityLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.ActivityLogEntry(nil), m.activity...)
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) MemberRole(_ context.Context, workspaceID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.members[workspaceID][userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return role, nil
}

func (m *memStore) AddMember(_ context.Context, member store.Member) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[member.UserID]
	if !ok {
		return store.Member{}, store.ErrNotFound
	}
	if m.members[member.WorkspaceID] == nil {
		m.members[member.WorkspaceID] = map[string]string{}
	}
	m.members[member.WorkspaceID][member.UserID] = member.Role
	member.UserName = user.Name
	member.JoinedAt = m.tick()
	return member, nil
}

func (m *memStore) InsertBoard(_ context.Context, board store.Board) (store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board.CreatedAt = m.tick()
	m.boards[board.ID] = board
	return board, nil
}

func (m *memStore) GetBoard(_ context.Context, boardID string) (store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		return store.Board{}, store.ErrNotFound
	}
	return board, nil
}

func (m *memStore) ListBoards(_ context.Context, workspaceID string) ([]store.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var boards []store.Board
	for _, board := range m.boards {
		if board.WorkspaceID == workspaceID {
			boards = append(boards, board)
		}
	}
	sort.Slice(boards, func(i, j int) bool { return boards[i].CreatedAt.Before(boards[j].CreatedAt) })
	return boards, nil
}

func (m *memStore) DeleteBoard(_ context.Context, boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[boardID]; !ok {
		return store.ErrNotFound
	}
	delete(m.boards, boardID)
	for id, list := range m.lists {
		if list.BoardID == boardID {
			m.deleteListLocked(id)
		}
	}
	for i := range m.activity {
		if m.activity[i].BoardID != nil && *m.activity[i].BoardID == boardID {
			m.activity[i].BoardID = nil
		}
	}
	return nil
}

func (m *memStore) LoadBoard(_ context.Context, boardID string) (store.BoardView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		return store.BoardView{}, store.ErrNotFound
	}
	view := store.BoardView{Board: board, Lists: []store.ListWithCards{}}
	for _, sib := range m.listSiblingsLocked(boardID) {
		view.Lists = append(view.Lists, m.loadListLocked(sib.ID))
	}
	return view, nil
}

func (m *memStore) GetList(_ context.Context, listID string) (store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.lists[listID]
	if !ok {
		return store.List{}, store.ErrNotFound
	}
	return list, nil
}

func (m *memStore) LoadList(_ context.Context, listID string) (store.ListWithCards, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return store.ListWithCards{}, store.ErrNotFound
	}
	return m.loadListLocked(listID), nil
}

func (m *memStore) ListSiblings(_ context.Context, boardID string) ([]store.Sibling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listSiblingsLocked(boardID), nil
}

func (m *memStore) InsertList(_ context.Context, list store.List) (store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[list.BoardID]
	if !ok {
		return store.List{}, store.ErrNotFound
	}
	list.WorkspaceID = board.WorkspaceID
	list.CreatedAt = m.tick()
	m.lists[list.ID] = list
	return list, nil
}

func (m *memStore) UpdateList(_ context.Context, list store.List) (store.List, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.lists[list.ID]
	if !ok {
		return store.List{}, store.ErrNotFound
	}
	current.Title = list.Title
	current.Order = list.Order
	m.lists[list.ID] = current
	return current, nil
}

func (m *memStore) DeleteList(_ context.Context, listID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[listID]; !ok {
		return store.ErrNotFound
	}
	m.deleteListLocked(listID)
	return nil
}

func (m *memStore) GetCard(_ context.Context, cardID string) (store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok {
		return store.Card{}, store.ErrNotFound
	}
	return m.joinCardLocked(card), nil
}

func (m *memStore) CardSiblings(_ context.Context, listID string) ([]store.Sibling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cardSiblingsLocked(listID), nil
}

func (m *memStore) InsertCard(_ context.Context, card store.Card) (store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[card.ListID]; !ok {
		return store.Card{}, store.ErrNotFound
	}
	now := m.tick()
	card.CreatedAt, card.UpdatedAt = now, now
	card.BoardID, card.WorkspaceID, card.ListTitle = "", "", ""
	m.cards[card.ID] = card
	return card, nil
}

func (m *memStore) UpdateCard(_ context.Context, card store.Card) (store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCardCalls++
	current, ok := m.cards[card.ID]
	if !ok {
		return store.Card{}, store.ErrNotFound
	}
	if _, ok := m.lists[card.ListID]; !ok {
		return store.Card{}, store.ErrNotFound
	}
	current.ListID = card.ListID
	current.Title = card.Title
	current.Description = card.Description
	current.Order = card.Order
	current.DueDate = card.DueDate
	current.AssigneeID = card.AssigneeID
	current.UpdatedAt = m.tick()
	m.cards[card.ID] = current
	return m.joinCardLocked(current), nil
}

func (m *memStore) DeleteCard(_ context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[cardID]; !ok {
		return store.ErrNotFound
	}
	delete(m.cards, cardID)
	return nil
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[comment.CardID]; !ok {
		return store.Comment{}, store.ErrNotFound
	}
	comment.UserName = m.users[comment.UserID].Name
	comment.CreatedAt = m.tick()
	m.comments = append(m.comments, comment)
	return comment, nil
}

func (m *memStore) ListComments(_ context.Context, cardID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comments := []store.Comment{}
	for _, c := range m.comments {
		if c.CardID == cardID {
			comments = append(comments, c)
		}
	}
	return comments, nil
}

func (m *memStore) InsertActivity(_ context.Context, entry store.ActivityLogEntry) (store.ActivityLogEntry, error) {
	if m.insertActivityFn != nil {
		if err := m.insertActivityFn(entry); err != nil {
			return store.ActivityLogEntry{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UserName = m.users[entry.UserID].Name
	if entry.BoardID != nil {
		entry.BoardTitle = m.boards[*entry.BoardID].Title
	}
	entry.CreatedAt = m.tick()
	m.activity = append(m.activity, entry)
	return entry, nil
}

func (m *memStore) ListActivity(_ context.Context, workspaceID string, limit int) ([]store.ActivityLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []store.ActivityLogEntry{}
	for i := len(m.activity) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.activity[i].WorkspaceID == workspaceID {
			entries = append(entries, m.activity[i])
		}
	}
	return entries, nil
}

func (m *memStore) RespaceCards(_ context.Context, listID string) ([]store.Sibling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	siblings := m.cardSiblingsLocked(listID)
	for i, key := range ordering.Spread(len(siblings)) {
		card := m.cards[siblings[i].ID]
		card.Order = key
		m.cards[card.ID] = card
		siblings[i].Order = key
	}
	return siblings, nil
}

func (m *memStore) RespaceLists(_ context.Context, boardID string) ([]store.Sibling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	siblings := m.listSiblingsLocked(boardID)
	for i, key := range ordering.Spread(len(siblings)) {
		list := m.lists[siblings[i].ID]
		list.Order = key
		m.lists[list.ID] = list
		siblings[i].Order = key
	}
	return siblings, nil
}

func (m *memStore) joinCardLocked(card store.Card) store.Card {
	list := m.lists[card.ListID]
	card.BoardID = list.BoardID
	card.WorkspaceID = list.WorkspaceID
	card.ListTitle = list.Title
	return card
}

func (m *memStore) loadListLocked(listID string) store.ListWithCards {
	view := store.ListWithCards{List: m.lists[listID], Cards: []store.Card{}}
	for _, sib := range m.cardSiblingsLocked(listID) {
		view.Cards = append(view.Cards, m.cards[sib.ID])
	}
	return view
}

func (m *memStore) deleteListLocked(listID string) {
	delete(m.lists, listID)
	for id, card := range m.cards {
		if card.ListID == listID {
			delete(m.cards, id)
		}
	}
}

func (m *memStore) listSiblingsLocked(boardID string) []store.Sibling {
	type row struct {
		store.Sibling
		created time.Time
	}
	var rows []row
	for _, list := range m.lists {
		if list.BoardID == boardID {
			rows = append(rows, row{store.Sibling{ID: list.ID, Order: list.Order}, list.CreatedAt})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Order != rows[j].Order {
			return rows[i].Order < rows[j].Order
		}
		return rows[i].created.Before(rows[j].created)
	})
	siblings := make([]store.Sibling, len(rows))
	for i, r := range rows {
		siblings[i] = r.Sibling
	}
	return siblings
}

func (m *memStore) cardSiblingsLocked(listID string) []store.Sibling {
	type row struct {
		store.Sibling
		created time.Time
	}
	var rows []row
	for _, card := range m.cards {
		if card.ListID == listID {
			rows = append(rows, row{store.Sibling{ID: card.ID, Order: card.Order}, card.CreatedAt})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Order != rows[j].Order {
			return rows[i].Order < rows[j].Order
		}
		return rows[i].created.Before(rows[j].created)
	})
	siblings := make([]store.Sibling, len(rows))
	for i, r := range rows {
		siblings[i] = r.Sibling
	}
	return siblings
}

// fakeSubscriber collects frames delivered to a room member.
type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	frames []realtime.Message
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(frame []byte) bool {
	var msg realtime.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return false
	}
	f.mu.Lock()
	f.frames = append(f.frames, msg)
	f.mu.Unlock()
	return true
}

func (f *fakeSubscriber) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.frames))
	for i, msg := range f.frames {
		names[i] = msg.Event
	}
	return names
}

func (f *fakeSubscriber) last(event string) (realtime.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Event == event {
			return f.frames[i], true
		}
	}
	return realtime.Message{}, false
}

func (f *fakeSubscriber) count(event string) int {
	n := 0
	for _, name := range f.events() {
		if name == event {
			n++
		}
	}
	return n
}

// fakeIndex records search index calls.
type fakeIndex struct {
	mu       sync.Mutex
	indexed  []string
	deleted  []string
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeIndex) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndex) IndexCard(card search.CardRecord) {
	f.mu.Lock()
	f.indexed = append(f.indexed, card.ID)
	f.mu.Unlock()
}

func (f *fakeIndex) DeleteCards(ids ...string) {
	f.mu.Lock()
	f.deleted = append(f.deleted, ids...)
	f.mu.Unlock()
}

type fixture struct {
	store       *memStore
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	index       *fakeIndex
	metrics     *metrics.Metrics
	svc         *Service
}

const (
	testWorkspace = "ws_1"
	testSecret    = "test-secret"
)

var (
	adminActor  = Actor{UserID: "u_admin"}
	memberActor = Actor{UserID: "u_member"}
	viewerActor = Actor{UserID: "u_viewer"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := newMemStore()
	ms.addUser("u_admin", "Ada")
	ms.addUser("u_member", "Max")
	ms.addUser("u_viewer", "Vera")
	ms.addUser("u_outsider", "Olga")
	ms.setRole(testWorkspace, "u_admin", "admin")
	ms.setRole(testWorkspace, "u_member", "member")
	ms.setRole(testWorkspace, "u_viewer", "viewer")

	m := metrics.New()
	registry := realtime.NewRegistry(m)
	broadcaster := realtime.NewBroadcaster(registry, m, nil)
	index := &fakeIndex{}
	svc := New(config.Config{JWTSecret: testSecret}, ms, broadcaster, index, m, nil)
	t.Cleanup(svc.Wait)
	return &fixture{
		store:       ms,
		registry:    registry,
		broadcaster: broadcaster,
		index:       index,
		metrics:     m,
		svc:         svc,
	}
}

func (f *fixture) subscribe(id string, rooms ...realtime.Room) *fakeSubscriber {
	sub := &fakeSubscriber{id: id}
	for _, room := range rooms {
		f.registry.Join(sub, room)
	}
	return sub
}

func (f *fixture) board(t *testing.T, title string) store.Board {
	t.Helper()
	board, err := f.svc.CreateBoard(context.Background(), adminActor, testWorkspace, title, "")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return board
}

func (f *fixture) list(t *testing.T, boardID, title string) store.List {
	t.Helper()
	list, err := f.svc.CreateList(context.Background(), adminActor, boardID, title)
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	return list
}

func (f *fixture) card(t *testing.T, listID, title string) store.Card {
	t.Helper()
	card, err := f.svc.CreateCard(context.Background(), adminActor, listID, title, "")
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	return card
}

// actions returns the action of every recorded entry in insertion order.
func (f *fixture) actions() []string {
	entries := f.store.entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func cardOrder(t *testing.T, ms *memStore, listID string) []string {
	t.Helper()
	view, err := ms.LoadList(context.Background(), listID)
	if err != nil {
		t.Fatalf("load list: %v", err)
	}
	ids := make([]string, len(view.Cards))
	for i, c := range view.Cards {
		ids[i] = c.ID
	}
	return ids
}
