package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks a frame that is not a valid inbound envelope.
var ErrMalformed = errors.New("malformed message")

//go:embed inbound.schema.json
var inboundSchema []byte

const inboundSchemaURL = "inbound.schema.json"

// Decoder validates inbound text frames before they reach the state machine.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(inboundSchemaURL, bytes.NewReader(inboundSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// MustDecoder panics if the embedded schema does not compile.
func MustDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Decoder) Decode(data []byte) (Envelope, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := d.schema.Validate(payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}
