// Package repository is the thin persistence layer over gorm. Functions take
// a *gorm.DB so callers can pass a transaction; they hold no business rules
// beyond the data invariants of the tables they touch.
package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound aliases gorm.ErrRecordNotFound for callers of this package.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrInvalidIdentity is returned when an address has no digits at all.
var ErrInvalidIdentity = errors.New("identity has no digits")
