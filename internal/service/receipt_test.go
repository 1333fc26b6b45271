package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/model"
)

func TestMarkDeliveredIgnoresNonMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	msg := h.sendText(t, conv, "alice", "hi")
	sub := h.subscribe(t, conv)

	r, err := h.receipts.MarkDelivered(ctx, conv, msg.ID, "mallory")
	if err != nil || r != nil {
		t.Fatalf("MarkDelivered = %v, %v; want no-op", r, err)
	}
	receipts, _ := h.store.ListReceipts(ctx, conv, msg.ID)
	if len(receipts) != 0 {
		t.Errorf("receipts = %d, want 0", len(receipts))
	}
	expectNoEvent(t, sub)
}

func TestMarkDeliveredNoops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	other := h.conversation(t, "carol", "bob")
	msg := h.sendText(t, conv, "alice", "hi")

	tests := []struct {
		name, conv, msg, user string
	}{
		{"sender", conv, msg.ID, "alice"},
		{"unknown message", conv, "missing", "bob"},
		{"message of another conversation", other, msg.ID, "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := h.receipts.MarkDelivered(ctx, tt.conv, tt.msg, tt.user)
			if err != nil || r != nil {
				t.Fatalf("MarkDelivered = %v, %v; want no-op", r, err)
			}
		})
	}
}

func TestMarkDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	msg := h.sendText(t, conv, "alice", "hi")
	sub := h.subscribe(t, conv)

	first, err := h.receipts.MarkDelivered(ctx, conv, msg.ID, "bob")
	if err != nil || first == nil || first.DeliveredAt == nil {
		t.Fatalf("MarkDelivered = %+v, %v", first, err)
	}
	h.clock.Advance(time.Second)
	again, err := h.receipts.MarkDelivered(ctx, conv, msg.ID, "bob")
	if err != nil || !again.DeliveredAt.Equal(*first.DeliveredAt) {
		t.Fatalf("delivered_at moved: %v -> %v (%v)", first.DeliveredAt, again.DeliveredAt, err)
	}

	stored, _ := h.store.GetMessage(ctx, msg.ID)
	if stored.Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered", stored.Status)
	}

	p, err := nextEvent(t, sub).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	d := p.(event.ReceiptDeliveredPayload)
	if d.MessageID != msg.ID || d.UserID != "bob" || *d.Seq != msg.SeqValue() {
		t.Errorf("payload = %+v", d)
	}
}

func TestUnreadCountFollowsReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	h.sendText(t, conv, "alice", "one")
	latest := h.sendText(t, conv, "alice", "two")

	if n, _ := h.receipts.UnreadCount(ctx, conv, "bob"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	cur, err := h.receipts.MarkRead(ctx, conv, "bob", latest.ID)
	if err != nil || !cur.Advanced || cur.LastReadSeq != latest.SeqValue() {
		t.Fatalf("MarkRead = %+v, %v", cur, err)
	}
	if n, _ := h.receipts.UnreadCount(ctx, conv, "bob"); n != 0 {
		t.Fatalf("unread after read = %d, want 0", n)
	}

	h.sendText(t, conv, "alice", "three")
	if n, _ := h.receipts.UnreadCount(ctx, conv, "bob"); n != 1 {
		t.Fatalf("unread after new message = %d, want 1", n)
	}

	stored, _ := h.store.GetMessage(ctx, latest.ID)
	if stored.Status != model.StatusRead {
		t.Errorf("anchor status = %s, want read", stored.Status)
	}
	receipts, _ := h.store.ListReceipts(ctx, conv, latest.ID)
	if len(receipts) != 1 || receipts[0].ReadAt == nil || receipts[0].DeliveredAt == nil {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestMarkReadIgnoresStaleAnchor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	older := h.sendText(t, conv, "alice", "one")
	newer := h.sendText(t, conv, "alice", "two")

	if _, err := h.receipts.MarkRead(ctx, conv, "bob", newer.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	sub := h.subscribe(t, conv)

	cur, err := h.receipts.MarkRead(ctx, conv, "bob", older.ID)
	if err != nil {
		t.Fatalf("stale MarkRead: %v", err)
	}
	if cur.Advanced || cur.LastReadSeq != newer.SeqValue() || *cur.LastReadMessageID != newer.ID {
		t.Errorf("cursor = %+v, want unchanged at %s", cur, newer.ID)
	}
	expectNoEvent(t, sub)

	receipts, _ := h.store.ListReceipts(ctx, conv, older.ID)
	if len(receipts) != 0 {
		t.Errorf("stale anchor wrote %d receipts", len(receipts))
	}
}

func TestMarkReadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	other := h.conversation(t, "alice", "carol")
	msg := h.sendText(t, other, "alice", "elsewhere")

	if _, err := h.receipts.MarkRead(ctx, conv, "mallory", msg.ID); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-member err = %v, want ErrForbidden", err)
	}
	if _, err := h.receipts.MarkRead(ctx, conv, "bob", msg.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign anchor err = %v, want ErrNotFound", err)
	}
	if _, err := h.receipts.MarkRead(ctx, conv, "bob", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown anchor err = %v, want ErrNotFound", err)
	}
}

func TestMarkReadPublishesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob")
	msg := h.sendText(t, conv, "alice", "hi")
	sub := h.subscribe(t, conv)

	if _, err := h.receipts.MarkRead(ctx, conv, "bob", msg.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	p, err := nextEvent(t, sub).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r := p.(event.ReceiptReadPayload)
	if r.UserID != "bob" || *r.LastReadMessageID != msg.ID || r.LastReadSeq != 1 {
		t.Errorf("payload = %+v", r)
	}
}

func TestListReceipts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.conversation(t, "alice", "bob", "carol")
	msg := h.sendText(t, conv, "alice", "hi")
	h.receipts.MarkDelivered(ctx, conv, msg.ID, "bob")
	h.receipts.MarkDelivered(ctx, conv, msg.ID, "carol")

	resp, err := h.receipts.ListReceipts(ctx, "alice", conv, msg.ID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(resp.Receipts) != 2 {
		t.Errorf("receipts = %d, want 2", len(resp.Receipts))
	}
	if _, err := h.receipts.ListReceipts(ctx, "mallory", conv, msg.ID); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-member err = %v", err)
	}
}
