// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeInternal           Code = "INTERNAL"
)

var (
	ErrTenantDoesNotExist = errors.New("tenant does not exist")
	ErrNodeDoesNotExist   = errors.New("node does not exist")
	ErrEdgeDoesNotExist   = errors.New("edge does not exist")

	ErrUnknownNodeType = errors.New("unknown node type")
	ErrUnknownEdgeType = errors.New("unknown edge type")

	ErrRegistryFrozen    = errors.New("schema registry is frozen")
	ErrRegistryNotFrozen = errors.New("schema registry is not frozen")

	ErrUnresolvedAlias     = errors.New("unresolved alias reference")
	ErrUnknownOperation    = errors.New("unknown operation kind")
	ErrFingerprintMismatch = errors.New("schema fingerprint mismatch")

	ErrSnapshotNotFound = errors.New("no snapshot manifest found")
)

// Error is the coded error every external surface returns. CorrelationID
// links the coordinator log, the WAL record and the applier log.
type Error struct {
	Code          Code                   `json:"code"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL.
func CodeOf(err error) Code {
	coded := &Error{}
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HTTPStatus maps a taxonomy code onto an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeValidationError:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
