package lease

import "errors"

var (
	// ErrNotOwner — попытка продлить/снять чужую или истекшую аренду.
	ErrNotOwner = errors.New("lease: scope is not held by this owner")
)
