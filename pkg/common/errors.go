package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Fetch error kinds recorded on provider snapshots.
const (
	FetchTimeout      = "timeout"
	FetchNetwork      = "network"
	FetchStatus       = "http_status"
	FetchDecode       = "decode"
	FetchMissingField = "missing_field"
)

// FetchError describes a failed provider refresh. Providers record the last
// one on their snapshot so the facade can expose what went wrong and when;
// fetch failures never propagate past the provider boundary.
type FetchError struct {
	// Kind is one of the Fetch* constants.
	Kind string `json:"kind"`
	// Source is the provider source name from the configuration.
	Source string `json:"source"`
	// Entry names the config entry the fetch served, e.g. a PV array.
	Entry   string    `json:"entry,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"timestamp"`
}

// NewFetchError builds a FetchError stamped with the current time.
func NewFetchError(kind, source, entry string, err error) *FetchError {
	return &FetchError{
		Kind:    kind,
		Source:  source,
		Entry:   entry,
		Message: err.Error(),
		Time:    time.Now(),
	}
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("%s fetch failed (%s, entry %s): %s", e.Source, e.Kind, e.Entry, e.Message)
	}
	return fmt.Sprintf("%s fetch failed (%s): %s", e.Source, e.Kind, e.Message)
}

// ClassifyFetch wraps a transport error from an http.Client call, separating
// timeouts from other network failures.
func ClassifyFetch(err error, source, entry string) *FetchError {
	kind := FetchNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = FetchTimeout
	}
	return NewFetchError(kind, source, entry, err)
}

// AsFetchError returns err as a FetchError, wrapping it as a network failure
// when it is not one already.
func AsFetchError(err error, source string) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return NewFetchError(FetchNetwork, source, "", err)
}
