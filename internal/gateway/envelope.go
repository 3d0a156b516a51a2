package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Envelope is the normalized inbound message shape. Clients may also send
// the legacy {agent_type, pillar, message} shape, which Normalize maps onto
// this one.
type Envelope struct {
	Channel string `json:"channel"`
	Intent  string `json:"intent"`
	Payload any    `json:"payload"`
}

type rawFrame struct {
	Channel string `json:"channel"`
	Intent  string `json:"intent"`
	Payload any    `json:"payload"`

	// Legacy shape.
	AgentType string `json:"agent_type"`
	Pillar    string `json:"pillar"`
	Message   any    `json:"message"`
}

// Normalize parses an inbound text frame and maps legacy shapes onto the
// canonical envelope. Legacy routing: agent_type "guide" goes to the guide
// channel; a pillar value routes to "pillar:<name>"; anything else falls
// back to guide.
func Normalize(data []byte) (Envelope, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}

	if raw.Channel != "" {
		return Envelope{Channel: raw.Channel, Intent: raw.Intent, Payload: raw.Payload}, nil
	}

	if raw.AgentType != "" || raw.Message != nil {
		env := Envelope{Intent: "message", Payload: raw.Message}
		switch {
		case raw.AgentType == "guide":
			env.Channel = "guide"
		case raw.Pillar != "":
			env.Channel = "pillar:" + raw.Pillar
		default:
			env.Channel = "guide"
		}
		return env, nil
	}

	return Envelope{}, fmt.Errorf("frame has no channel or legacy routing fields")
}

// SchemaValidator holds compiled per-channel payload schemas.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the given channel -> JSON Schema documents.
func NewSchemaValidator(channelSchemas map[string]string) (*SchemaValidator, error) {
	sv := &SchemaValidator{schemas: make(map[string]*jsonschema.Schema, len(channelSchemas))}
	for channel, schemaJSON := range channelSchemas {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for channel %q: %w", channel, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for channel %q: %w", channel, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for channel %q: %w", channel, err)
		}
		sv.schemas[channel] = schema
	}
	return sv, nil
}

// Validate checks an envelope's payload against its channel's schema.
// Channels without a schema always pass.
func (sv *SchemaValidator) Validate(env Envelope) error {
	if sv == nil {
		return nil
	}
	schema, ok := sv.schemas[env.Channel]
	if !ok {
		return nil
	}

	// Round-trip through jsonschema's decoder so numbers validate correctly.
	encoded, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("payload invalid for channel %q: %w", env.Channel, err)
	}
	return nil
}
