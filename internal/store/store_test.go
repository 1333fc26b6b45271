package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }

// stores returns the backends under test. PostgreSQL is exercised only when
// TEST_DATABASE_URL points at a disposable database.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory()}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		ctx := context.Background()
		pg, err := NewPostgres(ctx, url)
		if err != nil {
			t.Fatalf("NewPostgres: %v", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		t.Cleanup(pg.Close)
		out["postgres"] = pg
	}
	return out
}

func seedConversation(t *testing.T, s Store, users ...string) *model.Conversation {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	conv := &model.Conversation{ID: newID(), Kind: model.ConversationGroup, CreatedAt: now, UpdatedAt: now}
	var members []model.Member
	for i, u := range users {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleOwner
		}
		members = append(members, model.Member{ConversationID: conv.ID, UserID: u, Role: role, JoinedAt: now})
	}
	if err := s.CreateConversation(context.Background(), conv, members); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func newMessage(convID, sender string, seq *int64, at time.Time) *model.Message {
	return &model.Message{
		ID:             newID(),
		ConversationID: convID,
		SenderID:       sender,
		Type:           model.MessageText,
		Content:        json.RawMessage(`{"text":"hi"}`),
		CreatedAt:      at,
		Seq:            seq,
		Status:         model.StatusSent,
	}
}

func TestInsertMessageAdvancesCursor(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a", "b")
			now := time.Now().UTC().Truncate(time.Microsecond)

			if err := s.InsertMessage(ctx, newMessage(conv.ID, "a", int64p(5), now)); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}
			// A lower seq persisted late never moves the cursor back.
			if err := s.InsertMessage(ctx, newMessage(conv.ID, "b", int64p(3), now.Add(time.Millisecond))); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}

			got, err := s.GetConversation(ctx, conv.ID)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if got.LastSeq != 5 {
				t.Errorf("last_seq = %d, want 5", got.LastSeq)
			}
		})
	}
}

func TestInsertMessageDuplicateKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a")
			now := time.Now().UTC()

			first := newMessage(conv.ID, "a", int64p(1), now)
			first.ClientMsgID = strp("c1")
			if err := s.InsertMessage(ctx, first); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}
			dup := newMessage(conv.ID, "a", int64p(2), now)
			dup.ClientMsgID = strp("c1")
			err := s.InsertMessage(ctx, dup)
			if !errors.Is(err, ErrDuplicateKey) || !errors.Is(err, model.ErrConflict) {
				t.Fatalf("err = %v, want ErrDuplicateKey", err)
			}

			found, err := s.FindMessageByClientID(ctx, conv.ID, "a", "c1")
			if err != nil {
				t.Fatalf("FindMessageByClientID: %v", err)
			}
			if found.ID != first.ID {
				t.Errorf("found %s, want %s", found.ID, first.ID)
			}
			if _, err := s.FindMessageByClientID(ctx, conv.ID, "b", "c1"); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("other sender lookup err = %v", err)
			}
		})
	}
}

func TestInsertMessageDuplicateSeq(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a")
			other := seedConversation(t, s, "a")
			now := time.Now().UTC()

			if err := s.InsertMessage(ctx, newMessage(conv.ID, "a", int64p(7), now)); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}
			err := s.InsertMessage(ctx, newMessage(conv.ID, "a", int64p(7), now))
			if !errors.Is(err, ErrDuplicateSeq) || !errors.Is(err, model.ErrConflict) {
				t.Fatalf("err = %v, want ErrDuplicateSeq", err)
			}
			if errors.Is(err, ErrDuplicateKey) {
				t.Error("sequence clash reported as idempotency clash")
			}
			if err := s.InsertMessage(ctx, newMessage(other.ID, "a", int64p(7), now)); err != nil {
				t.Errorf("same seq in another conversation: %v", err)
			}
			if err := s.InsertMessage(ctx, newMessage(conv.ID, "a", nil, now)); err != nil {
				t.Errorf("unsequenced message: %v", err)
			}
		})
	}
}

func TestListMessagesOrderAndCursors(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a")
			base := time.Now().UTC().Truncate(time.Microsecond)

			// Inserted out of seq order, plus one unsequenced row.
			m3 := newMessage(conv.ID, "a", int64p(3), base)
			m1 := newMessage(conv.ID, "a", int64p(1), base.Add(1*time.Millisecond))
			mNil := newMessage(conv.ID, "a", nil, base.Add(2*time.Millisecond))
			m2 := newMessage(conv.ID, "a", int64p(2), base.Add(3*time.Millisecond))
			for _, m := range []*model.Message{m3, m1, mNil, m2} {
				if err := s.InsertMessage(ctx, m); err != nil {
					t.Fatalf("InsertMessage: %v", err)
				}
			}

			all, err := s.ListMessages(ctx, conv.ID, MessageQuery{Limit: 10})
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			wantOrder := []string{m1.ID, m2.ID, m3.ID, mNil.ID}
			if len(all) != len(wantOrder) {
				t.Fatalf("got %d messages", len(all))
			}
			for i, id := range wantOrder {
				if all[i].ID != id {
					t.Fatalf("position %d = %s, want %s", i, all[i].ID, id)
				}
			}

			after, _ := s.ListMessages(ctx, conv.ID, MessageQuery{Limit: 10, AfterSeq: int64p(1)})
			if len(after) != 2 || after[0].ID != m2.ID || after[1].ID != m3.ID {
				t.Errorf("after_seq=1 returned %d rows", len(after))
			}

			before, _ := s.ListMessages(ctx, conv.ID, MessageQuery{Limit: 10, BeforeID: mNil.ID})
			if len(before) != 2 || before[0].ID != m1.ID || before[1].ID != m3.ID {
				t.Errorf("before_id returned %d rows", len(before))
			}

			limited, _ := s.ListMessages(ctx, conv.ID, MessageQuery{Limit: 2})
			if len(limited) != 2 {
				t.Errorf("limit 2 returned %d rows", len(limited))
			}

			if _, err := s.ListMessages(ctx, conv.ID, MessageQuery{BeforeID: newID()}); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("unknown anchor err = %v", err)
			}
		})
	}
}

func TestMarkReceiptNeverClears(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a", "b")
			msg := newMessage(conv.ID, "a", int64p(1), time.Now().UTC())
			if err := s.InsertMessage(ctx, msg); err != nil {
				t.Fatalf("InsertMessage: %v", err)
			}
			key := model.Receipt{MessageID: msg.ID, ConversationID: conv.ID, UserID: "b"}
			t0 := time.Now().UTC().Truncate(time.Microsecond)

			r, err := s.MarkReceipt(ctx, key, false, t0)
			if err != nil {
				t.Fatalf("MarkReceipt: %v", err)
			}
			if r.DeliveredAt == nil || r.ReadAt != nil {
				t.Fatalf("after delivered: %+v", r)
			}

			r, _ = s.MarkReceipt(ctx, key, true, t0.Add(time.Minute))
			if !r.DeliveredAt.Equal(t0) || r.ReadAt == nil {
				t.Fatalf("after read: %+v", r)
			}

			r, _ = s.MarkReceipt(ctx, key, false, t0.Add(2*time.Minute))
			if r.ReadAt == nil || !r.DeliveredAt.Equal(t0) {
				t.Fatalf("receipt regressed: %+v", r)
			}

			list, _ := s.ListReceipts(ctx, conv.ID, msg.ID)
			if len(list) != 1 {
				t.Fatalf("receipts = %d, want 1", len(list))
			}
		})
	}
}

func TestAdvanceReadCursorForwardOnly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a")

			if ok, _ := s.AdvanceReadCursor(ctx, conv.ID, "a", "m5", 5); !ok {
				t.Fatal("cursor did not advance to 5")
			}
			if ok, _ := s.AdvanceReadCursor(ctx, conv.ID, "a", "m3", 3); ok {
				t.Fatal("cursor moved backwards")
			}
			m, _ := s.GetMember(ctx, conv.ID, "a")
			if m.LastReadSeq != 5 || m.LastReadMessageID == nil || *m.LastReadMessageID != "m5" {
				t.Fatalf("member cursor = %d %v", m.LastReadSeq, m.LastReadMessageID)
			}
		})
	}
}

func TestCallConstraints(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := seedConversation(t, s, "a", "b")
			now := time.Now().UTC().Truncate(time.Microsecond)

			call := &model.Call{ID: newID(), ConversationID: conv.ID, InitiatorID: "a", Status: model.CallInitiated, StartTime: now}
			if err := s.CreateCall(ctx, call, model.Participant{CallID: call.ID, UserID: "a", JoinTime: now}); err != nil {
				t.Fatalf("CreateCall: %v", err)
			}
			second := &model.Call{ID: newID(), ConversationID: conv.ID, InitiatorID: "b", Status: model.CallInitiated, StartTime: now}
			if err := s.CreateCall(ctx, second, model.Participant{CallID: second.ID, UserID: "b", JoinTime: now}); !errors.Is(err, model.ErrConflict) {
				t.Fatalf("second active call err = %v", err)
			}

			added, _ := s.AddParticipant(ctx, model.Participant{CallID: call.ID, UserID: "a", JoinTime: now})
			if added {
				t.Fatal("duplicate active participant added")
			}
			if added, _ := s.AddParticipant(ctx, model.Participant{CallID: call.ID, UserID: "b", JoinTime: now}); !added {
				t.Fatal("participant b not added")
			}
			active, _ := s.ActiveParticipants(ctx, call.ID)
			if len(active) != 2 {
				t.Fatalf("active = %d", len(active))
			}

			if left, _ := s.LeaveParticipant(ctx, call.ID, "b", now); !left {
				t.Fatal("b did not leave")
			}
			if left, _ := s.LeaveParticipant(ctx, call.ID, "b", now); left {
				t.Fatal("b left twice")
			}
			// A user may rejoin after leaving.
			if added, _ := s.AddParticipant(ctx, model.Participant{CallID: call.ID, UserID: "b", JoinTime: now}); !added {
				t.Fatal("b could not rejoin")
			}

			if err := s.CloseParticipants(ctx, call.ID, now); err != nil {
				t.Fatalf("CloseParticipants: %v", err)
			}
			call.Finish(model.CallCompleted, now)
			if err := s.UpdateCall(ctx, call); err != nil {
				t.Fatalf("UpdateCall: %v", err)
			}
			if _, err := s.ActiveCall(ctx, conv.ID); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("ActiveCall err = %v", err)
			}
			if err := s.CreateCall(ctx, second, model.Participant{CallID: second.ID, UserID: "b", JoinTime: now}); err != nil {
				t.Fatalf("call after completion: %v", err)
			}

			history, _ := s.ListCalls(ctx, conv.ID, 10, 0)
			if len(history) != 2 {
				t.Fatalf("history = %d", len(history))
			}
		})
	}
}

func TestListConversationsForMember(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	older := seedConversation(t, s, "a", "b")
	newer := seedConversation(t, s, "a")
	seedConversation(t, s, "c")

	if err := s.InsertMessage(ctx, newMessage(newer.ID, "a", int64p(1), time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	convs, err := s.ListConversations(ctx, "a", 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != newer.ID || convs[1].ID != older.ID {
		t.Fatalf("got %+v", convs)
	}
	if page, _ := s.ListConversations(ctx, "a", 1, 1); len(page) != 1 || page[0].ID != older.ID {
		t.Fatalf("offset page = %+v", page)
	}
}
