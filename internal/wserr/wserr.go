// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wserr defines the typed error taxonomy surfaced by the opening
// handshake and by the endpoint controller before the connection reaches the
// open state (spec §7).
package wserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories a handshake or lifecycle
// operation can fail with. After open, every Kind is translated by the
// endpoint controller into a close event instead of being returned here.
type Kind int

const (
	// URL shape.
	KindInvalidURL Kind = iota
	KindInvalidURLScheme

	// Transport.
	KindHostLookupFailed
	KindConnectionFailed
	KindTLSFailed

	// HTTP.
	KindInvalidHTTPRequest
	KindInvalidHTTPResponse

	// Handshake rejection.
	KindUpgradeRejected
	KindInvalidConnectionHeader
	KindInvalidUpgradeHeader
	KindKeyMismatch
	KindSubprotocolMismatch
	KindExtensionMismatch
	KindInvalidRedirection
	KindInvalidRedirectLocation
	KindMaximumRedirectsExceeded

	// Timing.
	KindTimeout

	// Lifecycle.
	KindUnexpectedDisconnect
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid-url"
	case KindInvalidURLScheme:
		return "invalid-url-scheme"
	case KindHostLookupFailed:
		return "host-lookup-failed"
	case KindConnectionFailed:
		return "connection-failed"
	case KindTLSFailed:
		return "tls-failed"
	case KindInvalidHTTPRequest:
		return "invalid-http-request"
	case KindInvalidHTTPResponse:
		return "invalid-http-response"
	case KindUpgradeRejected:
		return "upgrade-rejected"
	case KindInvalidConnectionHeader:
		return "invalid-connection-header"
	case KindInvalidUpgradeHeader:
		return "invalid-upgrade-header"
	case KindKeyMismatch:
		return "key-mismatch"
	case KindSubprotocolMismatch:
		return "subprotocol-mismatch"
	case KindExtensionMismatch:
		return "extension-mismatch"
	case KindInvalidRedirection:
		return "invalid-redirection"
	case KindInvalidRedirectLocation:
		return "invalid-redirect-location"
	case KindMaximumRedirectsExceeded:
		return "maximum-redirects-exceeded"
	case KindTimeout:
		return "timeout"
	case KindUnexpectedDisconnect:
		return "unexpected-disconnect"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// FailedHandshakeResult carries the server's non-101 response to a client
// handshake attempt (spec §3's FailedHandshakeResult), attached to a
// KindUpgradeRejected Error.
type FailedHandshakeResult struct {
	StatusCode  int
	Reason      string
	Header      map[string][]string
	ContentType string
	Body        []byte
}

// Error is the concrete error type returned from handshake and lifecycle
// operations. It carries a Kind for programmatic matching plus an optional
// FailedHandshakeResult-shaped payload for KindUpgradeRejected.
type Error struct {
	Kind     Kind
	Message  string
	cause    error
	Rejected *FailedHandshakeResult
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As reach the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind wrapped (via pkg/errors) for
// call-site attribution when formatted with "%+v".
func New(kind Kind, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause so
// that errors.Unwrap still reaches the original failure (e.g. a DNS lookup
// error from net.Dialer).
func Wrap(kind Kind, err error, context string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: context,
		cause:   errors.Wrap(err, context),
	}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
