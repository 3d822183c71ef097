// Package services defines the business logic of the reference backend.
// This file centralizes service-level error values so handlers can map them
// to HTTP status codes consistently.
package services

import "errors"

// Order-related errors.
var (
	// ErrOrderNotFound indicates that the requested order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrEmptyItem is returned when an order names no item.
	ErrEmptyItem = errors.New("item is empty")

	// ErrItemTooLong is returned when the item name exceeds the configured limit.
	ErrItemTooLong = errors.New("item too long")

	// ErrInvalidQuantity is returned when the quantity is outside [1, MaxQuantity].
	ErrInvalidQuantity = errors.New("quantity out of range")
)
