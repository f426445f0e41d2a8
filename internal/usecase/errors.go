package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/faceswap/internal/provider"
)

// ErrorKind classifies why a swap ended in Failed.
type ErrorKind string

const (
	KindInputNotFound        ErrorKind = "InputNotFound"
	KindProviderUnavailable  ErrorKind = ErrorKind(provider.KindUnavailable)
	KindProviderTimeout      ErrorKind = ErrorKind(provider.KindTimeout)
	KindProviderRejected     ErrorKind = ErrorKind(provider.KindRejected)
	KindProviderProtocol     ErrorKind = ErrorKind(provider.KindProtocol)
	KindResultPersistFailure ErrorKind = "ResultPersistFailure"
	KindStoreUnavailable     ErrorKind = "StoreUnavailable"
)

// SwapError is returned alongside every Failed SwapResult.
type SwapError struct {
	Kind   ErrorKind
	SwapID string
	Err    error
}

func (e *SwapError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("swap %s: %s", e.SwapID, describe(e.Kind, e.Err))
}

func (e *SwapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the failure kind from err, or "" if err is not a SwapError.
func KindOf(err error) ErrorKind {
	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		return swapErr.Kind
	}
	return ""
}

// providerKind maps a provider failure onto the swap taxonomy. Unclassified
// errors count as an unavailable provider.
func providerKind(err error) ErrorKind {
	if kind := provider.KindOf(err); kind != "" {
		return ErrorKind(kind)
	}
	return KindProviderUnavailable
}

// describe renders the stored error detail: the kind name, then the message.
func describe(kind ErrorKind, err error) string {
	if err == nil {
		return string(kind)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, string(kind)) {
		return msg
	}
	return string(kind) + ": " + msg
}
