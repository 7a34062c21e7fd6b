// Package errors provides a unified, typed error shape for the control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a specific, documented failure mode.
type ErrorCode string

const (
	// Ingestion/validation errors (1xxx)
	ErrCodeUnknownSensorType ErrorCode = "ING_1001"
	ErrCodeMissingTag        ErrorCode = "ING_1002"
	ErrCodeInvalidPayload    ErrorCode = "ING_1003"

	// Storage errors (2xxx)
	ErrCodeRobotNotFound     ErrorCode = "STO_2001"
	ErrCodeJobAlreadyFinal   ErrorCode = "STO_2002"
	ErrCodeDuplicateAlert    ErrorCode = "STO_2003"
	ErrCodeStorageConflict   ErrorCode = "STO_2004"
	ErrCodeJobNotFound       ErrorCode = "STO_2005"
	ErrCodeDatabaseUnavail   ErrorCode = "STO_2006"

	// Broker errors (3xxx)
	ErrCodeBrokerDisconnected ErrorCode = "BRK_3001"
	ErrCodePublishQueueFull   ErrorCode = "BRK_3002"

	// Command routing errors (4xxx)
	ErrCodeCommandTimeout ErrorCode = "CMD_4001"
	ErrCodeRobotUnknown   ErrorCode = "CMD_4002"

	// Generic internal (5xxx)
	ErrCodeInternal    ErrorCode = "SVC_5001"
	ErrCodeTimeout     ErrorCode = "SVC_5002"
	ErrCodeCancelled   ErrorCode = "SVC_5003"
)

// ServiceError is a structured error carrying a code, HTTP status, and cause.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value detail and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Constructors for the errors components branch on by code, not string match.

func UnknownSensorType(sensorType string) *ServiceError {
	return New(ErrCodeUnknownSensorType, "unknown sensor type", http.StatusUnprocessableEntity).
		WithDetails("sensor_type", sensorType)
}

func MissingTag(tag string) *ServiceError {
	return New(ErrCodeMissingTag, "missing required tag", http.StatusUnprocessableEntity).
		WithDetails("tag", tag)
}

func InvalidPayload(err error) *ServiceError {
	return Wrap(ErrCodeInvalidPayload, "invalid message payload", http.StatusBadRequest, err)
}

func RobotNotFound(robotID string) *ServiceError {
	return New(ErrCodeRobotNotFound, "robot not found", http.StatusNotFound).
		WithDetails("robot_id", robotID)
}

func JobAlreadyFinal(jobID string) *ServiceError {
	return New(ErrCodeJobAlreadyFinal, "job is already in a terminal state", http.StatusConflict).
		WithDetails("job_id", jobID)
}

func JobNotFound(jobID string) *ServiceError {
	return New(ErrCodeJobNotFound, "job not found", http.StatusNotFound).
		WithDetails("job_id", jobID)
}

func DuplicateAlert(dedupKey string) *ServiceError {
	return New(ErrCodeDuplicateAlert, "an open alert already exists for this key", http.StatusConflict).
		WithDetails("dedup_key", dedupKey)
}

func BrokerDisconnected(err error) *ServiceError {
	return Wrap(ErrCodeBrokerDisconnected, "broker connection unavailable", http.StatusServiceUnavailable, err)
}

func PublishQueueFull(topic string) *ServiceError {
	return New(ErrCodePublishQueueFull, "outbound publish queue full", http.StatusServiceUnavailable).
		WithDetails("topic", topic)
}

func CommandTimeout(commandID string) *ServiceError {
	return New(ErrCodeCommandTimeout, "command was not acknowledged in time", http.StatusGatewayTimeout).
		WithDetails("command_id", commandID)
}

func RobotUnknown(robotID string) *ServiceError {
	return New(ErrCodeRobotUnknown, "robot is not currently known to the fleet", http.StatusNotFound).
		WithDetails("robot_id", robotID)
}

func Internal(err error) *ServiceError {
	return Wrap(ErrCodeInternal, "internal error", http.StatusInternalServerError, err)
}

func Cancelled(err error) *ServiceError {
	return Wrap(ErrCodeCancelled, "operation cancelled", 499, err)
}

// Is reports whether err (or any error it wraps) carries the given code.
func Is(err error, code ErrorCode) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
