package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers missing or unparseable exchange responses.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedStatus indicates the response status field was missing or not a string.
	ErrMalformedStatus = errors.New("malformed status")
	// ErrBusiness indicates a well-formed response whose status is not the success sentinel.
	ErrBusiness = errors.New("business failure")
	// ErrValidation marks orders rejected locally before reaching the exchange.
	ErrValidation = errors.New("validation failure")
	// ErrStalePrice indicates the price feed did not move since the previous tick.
	ErrStalePrice = errors.New("stale price")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidRecord = errors.New("invalid trade record")
)

var (
	ErrBelowMinUnits       = fmt.Errorf("%w: units below exchange minimum", ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
)
