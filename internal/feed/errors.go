package feed

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed feed fetch.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindHTTP    ErrorKind = "http"
	KindParse   ErrorKind = "parse"
)

// FetchError is a classified fetch or parse failure. It is recorded on the
// sync log and counted toward the feed's failure streak.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("feed %s error: HTTP %d for %s", e.Kind, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("feed %s error: %v for %s", e.Kind, e.Err, e.URL)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func networkError(url string, err error) *FetchError {
	return &FetchError{Kind: KindNetwork, URL: url, Err: err}
}

func httpError(url string, status int) *FetchError {
	return &FetchError{Kind: KindHTTP, StatusCode: status, URL: url, Err: fmt.Errorf("HTTP %d", status)}
}

func parseError(url string, err error) *FetchError {
	return &FetchError{Kind: KindParse, URL: url, Err: err}
}
