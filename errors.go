package mirror

import "errors"

var (
	// ErrValidation is returned for malformed node construction parameters.
	ErrValidation = errors.New("mirror: invalid argument")

	// ErrTransportNotConfigured is returned when a node needs to send but has no transport.
	ErrTransportNotConfigured = errors.New("mirror: transport not configured")

	// ErrUnknownMessageOp is returned by Receive for an op it does not implement.
	ErrUnknownMessageOp = errors.New("mirror: unknown message op")

	// ErrLockViolation is returned when writing to a container another node has locked.
	ErrLockViolation = errors.New("mirror: container is locked by another node")

	// ErrLockAlreadyHeld is returned when acquiring a lock this node already claims.
	ErrLockAlreadyHeld = errors.New("mirror: lock already held")

	// ErrLockNotHeld is returned when releasing a container that is not locked.
	ErrLockNotHeld = errors.New("mirror: container is not locked")

	// ErrLockNotOwned is returned when releasing a lock held by another node.
	ErrLockNotOwned = errors.New("mirror: node does not own this lock")

	// ErrLockRefused completes a lock request that a peer or a competing claim rejected.
	ErrLockRefused = errors.New("mirror: lock refused")

	// ErrSerialization is returned for values that cannot be replicated.
	ErrSerialization = errors.New("mirror: value cannot be serialized")

	// ErrForeignHandle is returned when a handle from one node is written into another.
	ErrForeignHandle = errors.New("mirror: handle belongs to another node")
)
