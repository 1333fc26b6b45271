package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

type idempotencyKey struct {
	conversationID, senderID, clientMsgID string
}

type seqKey struct {
	conversationID string
	seq            int64
}

// Memory is an in-process Store. Its state lives for the process lifetime
// and is used for single-process deployments and tests.
type Memory struct {
	mu sync.RWMutex

	conversations map[string]*model.Conversation
	members       map[string]map[string]*model.Member
	messages      map[string]*model.Message
	byConv        map[string][]*model.Message
	idempotency   map[idempotencyKey]string
	seqs          map[seqKey]string
	receipts      map[string]map[string]*model.Receipt
	calls         map[string]*model.Call
	callsByConv   map[string][]*model.Call
	participants  map[string][]*model.Participant
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		members:       make(map[string]map[string]*model.Member),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]*model.Message),
		idempotency:   make(map[idempotencyKey]string),
		seqs:          make(map[seqKey]string),
		receipts:      make(map[string]map[string]*model.Receipt),
		calls:         make(map[string]*model.Call),
		callsByConv:   make(map[string][]*model.Call),
		participants:  make(map[string][]*model.Participant),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) CreateConversation(ctx context.Context, conv *model.Conversation, members []model.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	set := make(map[string]*model.Member, len(members))
	for i := range members {
		mem := members[i]
		set[mem.UserID] = &mem
	}
	m.members[c.ID] = set
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	c := *conv
	return &c, nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	m.mu.RLock()
	var convs []model.Conversation
	for id, set := range m.members {
		if _, ok := set[userID]; ok {
			convs = append(convs, *m.conversations[id])
		}
	}
	m.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return page(convs, limit, offset), nil
}

func (m *Memory) GetMember(ctx context.Context, conversationID, userID string) (*model.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[conversationID][userID]
	if !ok {
		return nil, notFound("member", conversationID+"/"+userID)
	}
	c := *mem
	return &c, nil
}

func (m *Memory) ListMembers(ctx context.Context, conversationID string) ([]model.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, notFound("conversation", conversationID)
	}
	members := make([]model.Member, 0, len(m.members[conversationID]))
	for _, mem := range m.members[conversationID] {
		members = append(members, *mem)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return notFound("conversation", msg.ConversationID)
	}
	var key idempotencyKey
	if msg.ClientMsgID != nil {
		key = idempotencyKey{msg.ConversationID, msg.SenderID, *msg.ClientMsgID}
		if _, taken := m.idempotency[key]; taken {
			return ErrDuplicateKey
		}
	}
	if msg.Seq != nil {
		if _, taken := m.seqs[seqKey{msg.ConversationID, *msg.Seq}]; taken {
			return ErrDuplicateSeq
		}
	}

	c := *msg
	m.messages[c.ID] = &c
	m.byConv[c.ConversationID] = append(m.byConv[c.ConversationID], &c)
	if msg.ClientMsgID != nil {
		m.idempotency[key] = c.ID
	}
	if c.Seq != nil {
		m.seqs[seqKey{c.ConversationID, *c.Seq}] = c.ID
	}
	if c.Seq != nil && *c.Seq > conv.LastSeq {
		conv.LastSeq = *c.Seq
	}
	conv.UpdatedAt = c.CreatedAt
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	c := *msg
	return &c, nil
}

func (m *Memory) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[idempotencyKey{conversationID, senderID, clientMsgID}]
	if !ok {
		return nil, notFound("client message", clientMsgID)
	}
	c := *m.messages[id]
	return &c, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var before *time.Time
	if q.BeforeID != "" {
		anchor, ok := m.messages[q.BeforeID]
		if !ok || anchor.ConversationID != conversationID {
			return nil, notFound("message", q.BeforeID)
		}
		before = &anchor.CreatedAt
	}

	var out []model.Message
	for _, msg := range m.byConv[conversationID] {
		if before != nil && !msg.CreatedAt.Before(*before) {
			continue
		}
		if q.AfterSeq != nil && (msg.Seq == nil || *msg.Seq <= *q.AfterSeq) {
			continue
		}
		out = append(out, *msg)
	}
	SortMessages(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SortMessages orders messages by seq ascending, nulls last, then by creation time.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].Seq, msgs[j].Seq
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (m *Memory) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *model.Message
	for _, msg := range m.byConv[conversationID] {
		if last == nil || !msg.CreatedAt.Before(last.CreatedAt) {
			last = msg
		}
	}
	if last == nil {
		return nil, notFound("last message", conversationID)
	}
	c := *last
	return &c, nil
}

func (m *Memory) AdvanceMessageStatus(ctx context.Context, messageID string, status model.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return notFound("message", messageID)
	}
	msg.Status = msg.Status.Advance(status)
	return nil
}

func (m *Memory) MarkReceipt(ctx context.Context, r model.Receipt, read bool, now time.Time) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.receipts[r.MessageID]
	if !ok {
		set = make(map[string]*model.Receipt)
		m.receipts[r.MessageID] = set
	}
	rec, ok := set[r.UserID]
	if !ok {
		rec = &model.Receipt{
			ID:             uuid.Must(uuid.NewV7()).String(),
			MessageID:      r.MessageID,
			ConversationID: r.ConversationID,
			UserID:         r.UserID,
		}
		set[r.UserID] = rec
	}
	if read {
		rec.MarkRead(now)
	} else {
		rec.MarkDelivered(now)
	}
	c := *rec
	return &c, nil
}

func (m *Memory) ListReceipts(ctx context.Context, conversationID, messageID string) ([]model.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Receipt{}
	for _, rec := range m.receipts[messageID] {
		if rec.ConversationID == conversationID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[conversationID][userID]
	if !ok {
		return false, notFound("member", conversationID+"/"+userID)
	}
	if seq <= mem.LastReadSeq {
		return false, nil
	}
	id := messageID
	mem.LastReadMessageID = &id
	mem.LastReadSeq = seq
	return true, nil
}

func (m *Memory) CreateCall(ctx context.Context, call *model.Call, initiator model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.callsByConv[call.ConversationID] {
		if !existing.Status.IsTerminal() {
			return model.ErrConflict
		}
	}
	c := *call
	m.calls[c.ID] = &c
	m.callsByConv[c.ConversationID] = append(m.callsByConv[c.ConversationID], &c)
	p := initiator
	m.participants[c.ID] = []*model.Participant{&p}
	return nil
}

func (m *Memory) GetCall(ctx context.Context, id string) (*model.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	call, ok := m.calls[id]
	if !ok {
		return nil, notFound("call", id)
	}
	c := *call
	return &c, nil
}

func (m *Memory) ActiveCall(ctx context.Context, conversationID string) (*model.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, call := range m.callsByConv[conversationID] {
		if !call.Status.IsTerminal() {
			c := *call
			return &c, nil
		}
	}
	return nil, notFound("active call", conversationID)
}

func (m *Memory) ListCalls(ctx context.Context, conversationID string, limit, offset int) ([]model.Call, error) {
	m.mu.RLock()
	calls := make([]model.Call, 0, len(m.callsByConv[conversationID]))
	for _, call := range m.callsByConv[conversationID] {
		calls = append(calls, *call)
	}
	m.mu.RUnlock()

	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].StartTime.After(calls[j].StartTime)
	})
	return page(calls, limit, offset), nil
}

func (m *Memory) UpdateCall(ctx context.Context, call *model.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.calls[call.ID]
	if !ok {
		return notFound("call", call.ID)
	}
	*existing = *call
	return nil
}

func (m *Memory) AddParticipant(ctx context.Context, p model.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[p.CallID]; !ok {
		return false, notFound("call", p.CallID)
	}
	for _, existing := range m.participants[p.CallID] {
		if existing.UserID == p.UserID && existing.Active() {
			return false, nil
		}
	}
	m.participants[p.CallID] = append(m.participants[p.CallID], &p)
	return true, nil
}

func (m *Memory) LeaveParticipant(ctx context.Context, callID, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants[callID] {
		if p.UserID == userID && p.Active() {
			t := at
			p.LeaveTime = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CloseParticipants(ctx context.Context, callID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participants[callID] {
		if p.Active() {
			t := at
			p.LeaveTime = &t
		}
	}
	return nil
}

func (m *Memory) ActiveParticipants(ctx context.Context, callID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Participant{}
	for _, p := range m.participants[callID] {
		if p.Active() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
