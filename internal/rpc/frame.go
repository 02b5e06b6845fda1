// Package rpc implements correlated request/response calls and one-way events between the
// coordinator and its agents over one long-lived connection per agent.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// ProtocolVersion is the frame protocol spoken by this build.
const ProtocolVersion = 1

// Kind discriminates envelopes on the wire.
type Kind string

const (
	KindConnect   Kind = "connect"
	KindConnected Kind = "connected"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindProgress  Kind = "progress"
	KindComplete  Kind = "complete"
)

// Envelope is the single frame shape carried by the transport. Requests set Method and
// Payload; responses set exactly one of Result or Error; events carry their body in Payload.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	TransactionID string          `json:"transactionId,omitempty"`
	Method        string          `json:"method,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorChain     `json:"error,omitempty"`
}

// Decode parses a frame and checks it is internally consistent.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, apperrors.Wrap(err, apperrors.ErrCodeMalformedFrame, "decode frame")
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	bad := func(format string, args ...any) error {
		return &apperrors.AppError{Code: apperrors.ErrCodeMalformedFrame, Message: fmt.Sprintf(format, args...)}
	}
	switch e.Kind {
	case KindRequest:
		if e.TransactionID == "" || e.Method == "" {
			return bad("request requires transactionId and method")
		}
	case KindResponse:
		if e.TransactionID == "" {
			return bad("response requires transactionId")
		}
		if e.Error != nil && len(e.Result) > 0 && string(e.Result) != "null" {
			return bad("response %s carries both result and error", e.TransactionID)
		}
	case KindProgress, KindComplete, KindConnect:
		if len(e.Payload) == 0 {
			return bad("%s frame requires payload", e.Kind)
		}
	case KindConnected:
	default:
		return bad("unknown frame kind %q", e.Kind)
	}
	return nil
}

// ConnectRequest is the first frame an agent sends after the socket opens.
type ConnectRequest struct {
	Key              string `json:"key"`
	ProtocolVersion  int    `json:"protocolVersion"`
	HasPendingEvents bool   `json:"hasPendingEvents"`
}

// ConnectedResponse acknowledges a ConnectRequest.
type ConnectedResponse struct {
	ConnectionID string `json:"connectionId"`
}

// ProgressEvent is one line of live output for a JobRunTask.
type ProgressEvent struct {
	JobRunTaskID string `json:"jobRunTaskId"`
	IsError      bool   `json:"isError"`
	Message      string `json:"message"`
}

// CompleteEvent reports the terminal outcome of a JobRunTask.
type CompleteEvent struct {
	JobRunTaskID   string  `json:"jobRunTaskId"`
	Message        string  `json:"message"`
	ResultArtifact *string `json:"resultArtifact"`
	IsError        bool    `json:"isError"`
}

// Agent methods.
const (
	MethodListDatabases = "ListDatabases"
	MethodListFiles     = "ListFiles"
	MethodExecuteTask   = "ExecuteTask"
	MethodCancelTask    = "CancelTask"
	MethodFlushEvents   = "FlushEvents"
)

// ListDatabasesRequest asks an agent for the databases on a server.
type ListDatabasesRequest struct {
	Connection model.ConnectionInfo `json:"connection"`
}

// ListFilesRequest asks an agent for stored artifacts under a path.
type ListFilesRequest struct {
	Storage model.StorageSettings `json:"storage"`
}

// ExecuteRequest starts one JobRunTask on an agent. The agent acknowledges immediately
// and reports through Progress and Complete events.
type ExecuteRequest struct {
	JobRunTaskID  string             `json:"jobRunTaskId"`
	TaskType      model.TaskType     `json:"taskType"`
	ItemName      string             `json:"itemName"`
	BackupType    model.BackupType   `json:"backupType"`
	InputArtifact string             `json:"inputArtifact,omitempty"`
	Settings      model.TaskSettings `json:"settings"`
}

// ExecuteAck acknowledges acceptance of an ExecuteRequest.
type ExecuteAck struct {
	Accepted bool `json:"accepted"`
}

// CancelTaskRequest asks an agent to stop a running JobRunTask.
type CancelTaskRequest struct {
	JobRunTaskID string `json:"jobRunTaskId"`
}

// CancelTaskResponse reports whether the item was running on the agent.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

// FlushEventsResponse reports how many buffered events an agent replayed.
type FlushEventsResponse struct {
	Replayed int `json:"replayed"`
}

// NewEvent wraps an event body into an envelope of the given kind.
func NewEvent(kind Kind, body any) (Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}
