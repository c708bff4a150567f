package hermes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

type recordingPublisher struct {
	subjects []string
	payloads []any
	err      error
}

func (r *recordingPublisher) Publish(subject string, data any) error {
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return r.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_PublishesOnEventSubject(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(pub, discardLogger())

	e.Emit(ConversationCreated{ConversationID: "team-acme-design", ProjectID: "acme", Kind: "team", TeamID: "design"})
	e.Emit(FallbackUsed{ConversationID: "team-acme-qa", MessageID: "m1", Type: "pm", Reason: model.ReasonNoAgentsInScope})

	want := []string{SubjectConversationCreated, SubjectFallbackUsed}
	if len(pub.subjects) != len(want) {
		t.Fatalf("published %d events, want %d", len(pub.subjects), len(want))
	}
	for i := range want {
		if pub.subjects[i] != want[i] {
			t.Errorf("subject %d = %q, want %q", i, pub.subjects[i], want[i])
		}
	}
}

func TestEmitter_NilAndFailingPublisher(t *testing.T) {
	var nilEmitter *Emitter
	nilEmitter.Emit(RosterChanged{})

	NewEmitter(nil, discardLogger()).Emit(RosterChanged{})

	failing := &recordingPublisher{err: errors.New("nats down")}
	NewEmitter(failing, discardLogger()).Emit(RosterChanged{ProjectIDs: []string{"acme"}})
	if len(failing.subjects) != 1 {
		t.Errorf("expected one publish attempt, got %d", len(failing.subjects))
	}
}

func TestDecodeRosterChanged(t *testing.T) {
	rc, err := DecodeRosterChanged([]byte(`{"project_ids":["acme","saas-startup"]}`))
	if err != nil {
		t.Fatalf("DecodeRosterChanged: %v", err)
	}
	if len(rc.ProjectIDs) != 2 || rc.ProjectIDs[1] != "saas-startup" {
		t.Errorf("ProjectIDs = %v", rc.ProjectIDs)
	}
	if _, err := DecodeRosterChanged([]byte(`{`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestMessagePersistedPayload(t *testing.T) {
	data, err := json.Marshal(MessagePersisted{
		Origin:  "instance-a",
		Message: model.Message{ID: "m1", ConversationID: "project-acme", SenderKind: model.SenderSystem, Content: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	msg := raw["message"].(map[string]any)
	if v, ok := msg["senderId"]; !ok || v != nil {
		t.Errorf("system message senderId should be an explicit null, got %v (present=%v)", v, ok)
	}

	mp, err := DecodeMessagePersisted(data)
	if err != nil {
		t.Fatal(err)
	}
	if mp.Origin != "instance-a" || mp.Message.ID != "m1" || mp.Message.SenderID != nil {
		t.Errorf("decoded = %+v", mp)
	}
}
