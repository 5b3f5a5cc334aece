package rbac

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicateRole indicates a create with an already registered role id.
	ErrDuplicateRole = errors.New("rbac: duplicate role")
	// ErrUnknownRole indicates an assignment referencing an unregistered role.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrInvalidApprovalState indicates approve/reject on a resolved request.
	ErrInvalidApprovalState = errors.New("rbac: invalid approval state")
	// ErrUnauthorizedApprover indicates the approver is not at the current
	// step of the approval chain.
	ErrUnauthorizedApprover = errors.New("rbac: unauthorized approver")
	// ErrStorageUnavailable indicates the persistence collaborator failed.
	// In-memory decisions still proceed; a lost audit write is surfaced with
	// this error because it is a compliance violation in its own right.
	ErrStorageUnavailable = errors.New("rbac: storage unavailable")
)
