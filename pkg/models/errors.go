package models

import "errors"

var (
	// ErrStoreRead means persisted state or balance could not be read.
	ErrStoreRead = errors.New("store read failed")

	// ErrStoreWrite means a state transition could not be persisted.
	ErrStoreWrite = errors.New("store write failed")

	// ErrQuery means a time-series query failed or timed out.
	ErrQuery = errors.New("time-series query failed")

	// ErrPartialRejection means the time-series store accepted only part of a batch.
	ErrPartialRejection = errors.New("records rejected by time-series store")

	// ErrInsufficientData means there were not enough records to decide.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrConflict means a concurrent writer changed the record first.
	ErrConflict = errors.New("concurrent modification")

	// ErrInsufficientFunds means the balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient balance")
)
