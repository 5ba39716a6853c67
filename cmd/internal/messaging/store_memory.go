package messaging

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when DB is not configured. Tests use it as the record store.
type InMemoryStore struct {
	mu sync.Mutex

	seq int64

	orders    map[string]Order
	stores    map[string]StoreRecord
	customers map[string]Customer
	roles     map[string]map[string]struct{}

	convs map[string]Conversation
	msgs  map[string][]Message // conversation_id -> ordered by (created_at, seq)
	atts  map[string][]Attachment
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:    make(map[string]Order),
		stores:    make(map[string]StoreRecord),
		customers: make(map[string]Customer),
		roles:     make(map[string]map[string]struct{}),
		convs:     make(map[string]Conversation),
		msgs:      make(map[string][]Message),
		atts:      make(map[string][]Attachment),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutOrder seeds an order row.
func (s *InMemoryStore) PutOrder(o Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

// PutStore seeds a store row.
func (s *InMemoryStore) PutStore(st StoreRecord) {
	s.mu.Lock()
	s.stores[st.ID] = st
	s.mu.Unlock()
}

// PutCustomer seeds a customer row.
func (s *InMemoryStore) PutCustomer(c Customer) {
	s.mu.Lock()
	s.customers[c.ID] = c
	s.mu.Unlock()
}

// GrantRole seeds a user role.
func (s *InMemoryStore) GrantRole(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[string]struct{})
	}
	s.roles[userID][role] = struct{}{}
}

func (s *InMemoryStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Order{}, NotFoundError{Op: "store.GetOrder", Resource: "order", ID: orderID}
	}
	return o, nil
}

func (s *InMemoryStore) GetStore(ctx context.Context, storeID string) (StoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return StoreRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[storeID]
	if !ok {
		return StoreRecord{}, NotFoundError{Op: "store.GetStore", Resource: "store", ID: storeID}
	}
	return st, nil
}

func (s *InMemoryStore) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	if err := ctx.Err(); err != nil {
		return Customer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return Customer{}, NotFoundError{Op: "store.GetCustomer", Resource: "customer", ID: customerID}
	}
	return c, nil
}

func (s *InMemoryStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roles[userID][role]
	return ok, nil
}

func (s *InMemoryStore) ListStoreOrderIDs(ctx context.Context, storeID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, o := range s.orders {
		if o.StoreID == storeID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := s.matchConversationsLocked(q)
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Filter.Limit > 0 && len(out) > q.Filter.Limit {
		out = out[:q.Filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountConversations(ctx context.Context, q ConversationQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchConversationsLocked(q)), nil
}

func (s *InMemoryStore) matchConversationsLocked(q ConversationQuery) []Conversation {
	if len(q.OrderIDs) == 0 {
		return nil
	}
	var out []Conversation
	for _, c := range s.convs {
		if !slices.Contains(q.OrderIDs, c.OrderID) {
			continue
		}
		if q.Filter.Status != "" && c.Status != q.Filter.Status {
			continue
		}
		if q.Filter.AdminIntervention != nil && c.AdminIntervention != *q.Filter.AdminIntervention {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	return out
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, NotFoundError{Op: "store.GetConversation", Resource: "conversation", ID: id}
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) InsertConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if c.ID == "" || c.OrderID == "" || c.StoreID == "" {
		return Conversation{}, invalid("store.InsertConversation", "missing id, order_id or store_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.ID]; ok {
		return Conversation{}, invalid("store.InsertConversation", "duplicate id")
	}
	s.convs[c.ID] = cloneConversation(c)
	return cloneConversation(c), nil
}

func (s *InMemoryStore) UpdateConversation(ctx context.Context, id string, p ConversationPatch) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, NotFoundError{Op: "store.UpdateConversation", Resource: "conversation", ID: id}
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AdminIntervention != nil {
		c.AdminIntervention = *p.AdminIntervention
	}
	if p.AdminID != nil {
		v := *p.AdminID
		c.AdminID = &v
	}
	if p.ClearAdminID {
		c.AdminID = nil
	}
	if p.LastMessageAt != nil && p.LastMessageAt.After(c.LastMessageAt) {
		c.LastMessageAt = *p.LastMessageAt
	}
	c.UpdatedAt = time.Now().UTC()
	s.convs[id] = c
	return cloneConversation(c), nil
}

func (s *InMemoryStore) CountMessages(ctx context.Context, conversationID string, f MessageFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs[conversationID] {
		if matchMessage(m, f) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, f MessageFilter, offset, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, invalid("store.ListMessages", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.msgs[conversationID]
	matched := make([]Message, 0, len(all))
	// Newest first.
	for i := len(all) - 1; i >= 0; i-- {
		if matchMessage(all[i], f) {
			matched = append(matched, all[i])
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]Message, 0, end-offset)
	for _, m := range matched[offset:end] {
		m.Attachments = slices.Clone(s.atts[m.ID])
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return Message{}, invalid("store.InsertMessage", "missing id, conversation_id or sender_id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[m.ConversationID]; !ok {
		return Message{}, NotFoundError{Op: "store.InsertMessage", Resource: "conversation", ID: m.ConversationID}
	}

	s.seq++
	m.Seq = s.seq
	m.Attachments = nil

	// History is never trimmed. Insert at the (created_at, seq) position so skewed clocks keep order.
	list := s.msgs[m.ConversationID]
	at := sort.Search(len(list), func(i int) bool { return messageLess(m, list[i]) })
	s.msgs[m.ConversationID] = slices.Insert(list, at, cloneMessage(m))

	return cloneMessage(m), nil
}

func (s *InMemoryStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	list := s.msgs[conversationID]
	for i := range list {
		if list[i].IsRead || list[i].SenderID == readerID {
			continue
		}
		ts := at
		list[i].IsRead = true
		list[i].ReadAt = &ts
		n++
	}
	return n, nil
}

func (s *InMemoryStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	if a.ID == "" || a.MessageID == "" {
		return Attachment{}, invalid("store.InsertAttachment", "missing id or message_id")
	}
	if err := ctx.Err(); err != nil {
		return Attachment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, list := range s.msgs {
		for _, m := range list {
			if m.ID == a.MessageID {
				found = true
				break
			}
		}
	}
	if !found {
		return Attachment{}, NotFoundError{Op: "store.InsertAttachment", Resource: "message", ID: a.MessageID}
	}
	s.atts[a.MessageID] = append(s.atts[a.MessageID], a)
	return a, nil
}

func matchMessage(m Message, f MessageFilter) bool {
	if f.MessageType != "" && m.MessageType != f.MessageType {
		return false
	}
	if f.UnreadOnly && m.IsRead {
		return false
	}
	if f.ExcludeSender != "" && m.SenderID == f.ExcludeSender {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func cloneConversation(c Conversation) Conversation {
	if c.AdminID != nil {
		v := *c.AdminID
		c.AdminID = &v
	}
	return c
}

func cloneMessage(m Message) Message {
	if m.ReadAt != nil {
		v := *m.ReadAt
		m.ReadAt = &v
	}
	m.Attachments = slices.Clone(m.Attachments)
	return m
}

var _ Store = (*InMemoryStore)(nil)
