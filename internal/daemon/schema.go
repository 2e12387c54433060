package daemon

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/lifeline/pkg/session"
	"github.com/xeipuuv/gojsonschema"
)

// startSessionSchema validates the start-session request body.
const startSessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "webhook": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string", "format": "uri"},
        "listenAcks": {"type": "boolean"},
        "onPresenceChanged": {"type": "boolean"},
        "onParticipantsChanged": {"type": "boolean"},
        "onReactionMessage": {"type": "boolean"},
        "onPollResponse": {"type": "boolean"},
        "onRevokedMessage": {"type": "boolean"},
        "onLabelUpdated": {"type": "boolean"},
        "onSelfMessage": {"type": "boolean"},
        "ignore": {"type": "array", "items": {"type": "string"}}
      }
    },
    "proxy": {
      "type": "object",
      "additionalProperties": false,
      "required": ["url"],
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "username": {"type": "string"},
        "password": {"type": "string"}
      }
    },
    "phone": {"type": "string", "pattern": "^[0-9]{6,20}$"},
    "deviceName": {"type": "string", "maxLength": 64},
    "poweredBy": {"type": "string", "maxLength": 64},
    "waitQrCode": {"type": "boolean"}
  }
}`

var (
	startSchemaOnce sync.Once
	startSchema     *gojsonschema.Schema
	startSchemaErr  error
)

func loadStartSchema() (*gojsonschema.Schema, error) {
	startSchemaOnce.Do(func() {
		startSchema, startSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(startSessionSchema))
	})
	return startSchema, startSchemaErr
}

// startRequest is the start-session body.
type startRequest struct {
	session.Config
	// WaitQRCode holds the response until the first code, a connection or
	// a failure.
	WaitQRCode bool `json:"waitQrCode,omitempty"`
}

// decodeStartRequest validates body against the schema and decodes it. An
// empty body is an empty request.
func decodeStartRequest(body []byte) (startRequest, error) {
	var req startRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, nil
	}

	schema, err := loadStartSchema()
	if err != nil {
		return req, fmt.Errorf("failed to compile start-session schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return req, &requestError{msg: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return req, &requestError{msg: "invalid request: " + strings.Join(msgs, "; ")}
	}

	if err := json.Unmarshal(body, &req); err != nil {
		return req, &requestError{msg: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return req, nil
}

// requestError is a client mistake, answered with 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}
