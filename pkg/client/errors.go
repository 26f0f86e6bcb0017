package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidURL is returned for URLs that cannot be sent to the platform.
	ErrInvalidURL = errors.New("invalid url")
)

// ErrorClass represents a classification of failed requests.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests and refused requests during a cooldown.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// ClassifyStatus maps an HTTP status code to an ErrorClass.
// Codes below 400 have no class.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// TransportError is returned when a single request fails, either because the
// platform answered with a status of 400 or above or because no answer arrived.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int // 0 when no response was received
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error (status %d): %s: %v",
			e.Method, e.URL, e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error (status %d): %s",
		e.Method, e.URL, e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCodeOf returns the HTTP status carried by err, or 0 if err is not a
// TransportError with a response.
func StatusCodeOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
