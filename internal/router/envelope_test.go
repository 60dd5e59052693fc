package router

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(ScopeUser, []string{"u1"}, json.RawMessage(`{}`), "node-a", "conv-1")

	if env.MessageID == "" {
		t.Error("Expected a generated message id")
	}
	if env.PublishedAt == 0 {
		t.Error("Expected a publish timestamp")
	}
	if err := env.Validate(); err != nil {
		t.Errorf("Expected valid envelope, got %v", err)
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{"valid user scope", func(e *Envelope) {}, false},
		{"missing message id", func(e *Envelope) { e.MessageID = "" }, true},
		{"missing origin", func(e *Envelope) { e.OriginNodeID = "" }, true},
		{"user scope without targets", func(e *Envelope) { e.TargetIDs = nil }, true},
		{"room scope without targets", func(e *Envelope) {
			e.Scope = ScopeRoom
			e.TargetIDs = nil
		}, true},
		{"broadcast without targets", func(e *Envelope) {
			e.Scope = ScopeBroadcast
			e.TargetIDs = nil
		}, false},
		{"unknown scope", func(e *Envelope) { e.Scope = "group" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(ScopeUser, []string{"u1"}, nil, "node-a", "")
			tt.mutate(&env)
			err := env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelope_Subject(t *testing.T) {
	tests := []struct {
		partitionKey string
		want         string
	}{
		{"", "fanout._default"},
		{"conv-1", "fanout.conv-1"},
		{"a.b c", "fanout.a_b_c"},
		{"x*y>z", "fanout.x_y_z"},
	}

	for _, tt := range tests {
		env := Envelope{PartitionKey: tt.partitionKey}
		if got := env.Subject("fanout"); got != tt.want {
			t.Errorf("Subject with key %q = %q, want %q", tt.partitionKey, got, tt.want)
		}
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	env := NewEnvelope(ScopeRoom, []string{"general"}, json.RawMessage(`{"text":"hi"}`), "node-a", "general")

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.MessageID != env.MessageID || decoded.Scope != env.Scope ||
		decoded.OriginNodeID != env.OriginNodeID || decoded.PartitionKey != env.PartitionKey {
		t.Errorf("Round trip mismatch: %+v vs %+v", decoded, env)
	}
}
