package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresAccountAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeMarkedHandled}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{AccountID: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsWithActorFromContext(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	ctx := WithActor(context.Background(), Actor{UserID: "u", Role: "agent", IP: "1.2.3.4"})
	svc.Record(ctx, Event{AccountID: "a", Type: EventTypeCallbackInitiated, CallID: "c1"})

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].ActorUserID != "u" || evs[0].ActorRole != "agent" {
		t.Fatalf("expected actor captured, got %+v", evs[0])
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_RecordIsBestEffort(t *testing.T) {
	var nilSvc *Service
	nilSvc.Record(context.Background(), Event{AccountID: "a", Type: EventTypeMarkedHandled})

	NewService(nil).Record(context.Background(), Event{AccountID: "a", Type: EventTypeMarkedHandled})
}
