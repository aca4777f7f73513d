package cluster

import "errors"

// Configuration errors
var (
	ErrInvalidNodeID       = errors.New("node ID cannot be empty")
	ErrInvalidNodeAddr     = errors.New("node address cannot be empty")
	ErrNodeTimeoutTooSmall = errors.New("node timeout must be greater than heartbeat interval")
	ErrInvalidParallelism  = errors.New("reconnect parallelism must be at least 1")
	ErrInvalidPageSize     = errors.New("page size must be at least 1")
)

// Membership errors
var (
	ErrNodeNotFound      = errors.New("node not found in membership")
	ErrNodeAlreadyExists = errors.New("node already exists in membership")
	ErrCannotRemoveSelf  = errors.New("cannot remove self from cluster")
	ErrEmptyLiveSet      = errors.New("live set is empty")
)
