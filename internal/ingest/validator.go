package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

// ErrInvalidContent is returned by validators for content that fails
// structural checks.
var ErrInvalidContent = errors.New("invalid message content")

// Validator is the message schema collaborator. Any error rejects the
// message as invalid-schema.
type Validator interface {
	Validate(ctx context.Context, c message.CandidateMessage, content []byte) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, c message.CandidateMessage, content []byte) error

func (f ValidatorFunc) Validate(ctx context.Context, c message.CandidateMessage, content []byte) error {
	return f(ctx, c, content)
}

// JSONContentValidator accepts content that is a single JSON object.
type JSONContentValidator struct{}

func (JSONContentValidator) Validate(_ context.Context, _ message.CandidateMessage, content []byte) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: content is not a JSON object", ErrInvalidContent)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: content is not valid JSON", ErrInvalidContent)
	}
	return nil
}
