package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client message types.
const (
	MsgSubscribe           = "subscribe"
	MsgUnsubscribe         = "unsubscribe"
	MsgSubscribeJob        = "subscribe_job"
	MsgUnsubscribeJob      = "unsubscribe_job"
	MsgSubscribeWorkflow   = "subscribe_workflow"
	MsgUnsubscribeWorkflow = "unsubscribe_workflow"
	MsgPing                = "ping"
	MsgAuth                = "auth"
)

// Server message types.
const (
	MsgConnected      = "connected"
	MsgPong           = "pong"
	MsgData           = "data"
	MsgJobUpdate      = "job_update"
	MsgWorkflowUpdate = "workflow_update"
	MsgError          = "error"
)

// Error codes carried on error frames.
const (
	CodeValidation        = "validation"
	CodeNotFound          = "not_found"
	CodeUnknownQuery      = "unknown_query"
	CodeSubscriptionLimit = "subscription_limit"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// maxCorrelationIDLen bounds the client's opaque subscription key.
const maxCorrelationIDLen = 128

// ClientMessage is one inbound frame, tagged by Type. Unused fields stay
// empty depending on the type.
type ClientMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Function   string          `json:"function,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	JobID      string          `json:"job_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Token      string          `json:"token,omitempty"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Job      json.RawMessage `json:"job,omitempty"`
	Workflow json.RawMessage `json:"workflow,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func connectedMsg() ServerMessage {
	return ServerMessage{Type: MsgConnected}
}

func pongMsg() ServerMessage {
	return ServerMessage{Type: MsgPong}
}

func dataMsg(id string, data json.RawMessage) ServerMessage {
	return ServerMessage{Type: MsgData, ID: id, Data: data}
}

func jobUpdateMsg(id string, job json.RawMessage) ServerMessage {
	return ServerMessage{Type: MsgJobUpdate, ID: id, Job: job}
}

func workflowUpdateMsg(id string, run json.RawMessage) ServerMessage {
	return ServerMessage{Type: MsgWorkflowUpdate, ID: id, Workflow: run}
}

func errorMsg(id, code, message string) ServerMessage {
	return ServerMessage{Type: MsgError, ID: id, Code: code, Message: message}
}

// validateCorrelationID checks the client's subscription key. The value
// is opaque but bounded; it is never logged.
func validateCorrelationID(id string) error {
	if id == "" {
		return fmt.Errorf("missing subscription id")
	}
	if len(id) > maxCorrelationIDLen {
		return fmt.Errorf("subscription id exceeds %d bytes", maxCorrelationIDLen)
	}
	return nil
}

// parseEntityID validates a job or workflow id from the wire. Over-length
// values are rejected before parsing.
func parseEntityID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing entity id")
	}
	if len(raw) > 36 {
		return uuid.Nil, fmt.Errorf("entity id is not a UUID")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("entity id is not a UUID")
	}
	return id, nil
}
