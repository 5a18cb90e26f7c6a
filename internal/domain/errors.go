package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок релея и оркестратора
var (
	ErrDeviceOffline     = errors.New("device offline")
	ErrAgentUnreachable  = errors.New("agent unreachable")
	ErrEmptyTargetSet    = errors.New("deployment resolves to an empty target set")
	ErrSessionSuperseded = errors.New("session superseded by a newer connection")

	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrWorkUnitNotFound   = errors.New("work unit not found")
	ErrStaleWorkUnit      = errors.New("work unit changed concurrently")
	ErrInvalidTransition  = errors.New("invalid work unit transition")
	ErrUnknownSoftware    = errors.New("unknown software")
	ErrEmptyPayload       = errors.New("deployment payload is required")
	ErrInvalidPayload     = errors.New("invalid deployment payload")

	ErrSessionClosed = errors.New("session closed")
	ErrOutboundFull  = errors.New("session outbound queue is full")
	ErrShutdown      = errors.New("relay shutting down")
)

// RemoteExecutionError ошибка самого удаленного действия, текст сохраняется как есть
type RemoteExecutionError struct {
	Message string
}

func (e *RemoteExecutionError) Error() string {
	return e.Message
}

// TransitionError недопустимый переход конечного автомата WorkUnit
type TransitionError struct {
	From WorkStatus
	To   WorkStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid work unit transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
