package services

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/event.v1.json
var eventSchemaJSON string

const eventSchemaID = "https://duangjit.app/schemas/event.v1.json"

// Validator checks inbound event payloads against the event schema before
// they are decoded.
type Validator struct {
	event *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := jsonschema.CompileString(eventSchemaID, eventSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{event: schema}, nil
}

// ValidateEvent rejects a raw event that does not match the schema.
func (v *Validator) ValidateEvent(raw json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := v.event.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// DecodeEvent validates raw and decodes it.
func (v *Validator) DecodeEvent(raw json.RawMessage) (Event, error) {
	if err := v.ValidateEvent(raw); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return ev, nil
}

// ErrValidation can be used with errors.Is to detect rejected payloads.
var ErrValidation = errors.New("validation failed")
