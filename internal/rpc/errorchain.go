package rpc

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// maxChainDepth bounds how many causes are serialized.
const maxChainDepth = 16

// ErrorChain is the serialized form of a failure and its nested causes. The outermost
// error is the root of the struct; Cause points inward.
type ErrorChain struct {
	Message   string      `json:"message"`
	StackInfo string      `json:"stackInfo,omitempty"`
	Cause     *ErrorChain `json:"cause,omitempty"`
}

// NewErrorChain serializes err and its Unwrap chain. Messages produced by %w wrapping
// are trimmed so each link carries only its own text.
func NewErrorChain(err error) *ErrorChain {
	if err == nil {
		return nil
	}
	root := &ErrorChain{}
	link := root
	for depth := 0; err != nil; depth++ {
		inner := errors.Unwrap(err)
		msg := err.Error()
		if inner != nil {
			msg = strings.TrimSuffix(msg, ": "+inner.Error())
		}
		link.Message = msg
		if inner == nil || depth == maxChainDepth-1 {
			break
		}
		link.Cause = &ErrorChain{}
		link = link.Cause
		err = inner
	}
	return root
}

// Error renders the chain innermost cause first.
func (c *ErrorChain) Error() string {
	if c == nil {
		return ""
	}
	var msgs []string
	for l := c; l != nil; l = l.Cause {
		msgs = append(msgs, l.Message)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return strings.Join(msgs, " <- ")
}

// Unwrap exposes the nested cause so errors.As can walk the chain.
func (c *ErrorChain) Unwrap() error {
	if c == nil || c.Cause == nil {
		return nil
	}
	return c.Cause
}

// Innermost returns the deepest cause.
func (c *ErrorChain) Innermost() *ErrorChain {
	l := c
	for l != nil && l.Cause != nil {
		l = l.Cause
	}
	return l
}

// RemoteError reports that an agent handler failed.
type RemoteError struct {
	Method string
	Chain  *ErrorChain
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.Method, e.Chain.Error())
}

// Unwrap returns an AppError tagged remote so callers can classify it.
func (e *RemoteError) Unwrap() error {
	return &apperrors.AppError{Code: apperrors.ErrCodeRemote, Message: "remote failure", Cause: e.Chain}
}
