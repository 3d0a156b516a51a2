package gateway

import (
	"strings"
	"testing"
)

func TestNormalizeCanonical(t *testing.T) {
	env, err := Normalize([]byte(`{"channel":"guide","intent":"ask","payload":{"q":"hi"}}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if env.Channel != "guide" || env.Intent != "ask" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok || payload["q"] != "hi" {
		t.Errorf("unexpected payload: %v", env.Payload)
	}
}

func TestNormalizeLegacyGuide(t *testing.T) {
	env, err := Normalize([]byte(`{"agent_type":"guide","message":"hello"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if env.Channel != "guide" || env.Intent != "message" || env.Payload != "hello" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestNormalizeLegacyPillar(t *testing.T) {
	env, err := Normalize([]byte(`{"agent_type":"pillar","pillar":"content","message":"hi"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if env.Channel != "pillar:content" {
		t.Errorf("channel = %q, want pillar:content", env.Channel)
	}
}

func TestNormalizeLegacyFallback(t *testing.T) {
	env, err := Normalize([]byte(`{"agent_type":"something-else","message":"hi"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if env.Channel != "guide" {
		t.Errorf("channel = %q, want guide fallback", env.Channel)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := Normalize([]byte(`{"unrelated":true}`)); err == nil {
		t.Error("expected error for frame without routing fields")
	}
}

func TestSchemaValidator(t *testing.T) {
	sv, err := NewSchemaValidator(map[string]string{
		"guide": `{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`,
	})
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}

	ok := Envelope{Channel: "guide", Payload: map[string]any{"q": "hi"}}
	if err := sv.Validate(ok); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	bad := Envelope{Channel: "guide", Payload: map[string]any{"q": 42}}
	if err := sv.Validate(bad); err == nil {
		t.Error("invalid payload accepted")
	}

	unschemaed := Envelope{Channel: "other", Payload: "anything"}
	if err := sv.Validate(unschemaed); err != nil {
		t.Errorf("channel without schema should pass: %v", err)
	}
}

func TestSchemaValidatorBadSchema(t *testing.T) {
	_, err := NewSchemaValidator(map[string]string{"guide": `{"type":`})
	if err == nil || !strings.Contains(err.Error(), "guide") {
		t.Errorf("expected compile error naming the channel, got %v", err)
	}
}
