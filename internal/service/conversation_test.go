package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/capitalize-ai/conversation-engine/internal/model"
)

func TestCreateConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     model.CreateConversationRequest
		wantErr error
	}{
		{"direct", model.CreateConversationRequest{Kind: model.ConversationDirect, MemberIDs: []string{"bob"}}, nil},
		{"direct with three", model.CreateConversationRequest{Kind: model.ConversationDirect, MemberIDs: []string{"bob", "carol"}}, model.ErrInvalidPayload},
		{"group with assistant", model.CreateConversationRequest{Kind: model.ConversationGroup, AssistantIDs: []string{"assistant"}}, nil},
		{"alone", model.CreateConversationRequest{Kind: model.ConversationGroup, MemberIDs: []string{"alice"}}, model.ErrInvalidPayload},
		{"unknown kind", model.CreateConversationRequest{Kind: "channel", MemberIDs: []string{"bob"}}, model.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.convs.Create(ctx, "alice", &tt.req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Create: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConversationRoles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.convs.Create(ctx, "alice", &model.CreateConversationRequest{
		Kind:         model.ConversationGroup,
		MemberIDs:    []string{"bob", "alice"},
		AssistantIDs: []string{"helper"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	members, err := h.convs.Members(ctx, "bob", conv.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	roles := make(map[string]model.MemberRole)
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	want := map[string]model.MemberRole{"alice": model.RoleOwner, "bob": model.RoleMember, "helper": model.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("members = %v", roles)
	}
	for user, role := range want {
		if roles[user] != role {
			t.Errorf("%s role = %s, want %s", user, roles[user], role)
		}
	}
}

func TestListConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.conversation(t, "alice", "bob")
	h.conversation(t, "carol", "dave")
	h.sendText(t, x, "alice", "one")
	last := h.sendText(t, x, "alice", "two")

	resp, err := h.convs.List(ctx, "bob", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(resp.Conversations))
	}
	sum := resp.Conversations[0]
	if sum.LastMessage == nil || sum.LastMessage.ID != last.ID {
		t.Errorf("last message = %+v", sum.LastMessage)
	}
	if sum.UnreadCount == nil || *sum.UnreadCount != 2 {
		t.Errorf("unread = %v, want 2", sum.UnreadCount)
	}

	if _, err := h.convs.Get(ctx, "carol", x); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("non-member Get err = %v", err)
	}
	if ok, err := h.convs.IsMember(ctx, x, "carol"); ok || err != nil {
		t.Errorf("IsMember = %v, %v", ok, err)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of %s", key)
			}
			mu.Unlock()
			mu.Lock()
			inside[key]--
			mu.Unlock()
		}([]string{"a", "b"}[i%2])
	}
	wg.Wait()
	if k.size() != 0 {
		t.Errorf("keys retained: %d", k.size())
	}
}
