package model

import "errors"

var (
	ErrInvalidToken      = errors.New("invalid registration token")
	ErrInvalidCapacity   = errors.New("invalid capacity")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownTask       = errors.New("unknown task")
	ErrForeignTask       = errors.New("task is addressed to another node")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidTask       = errors.New("invalid task")
	ErrNoCapacity        = errors.New("no node has capacity")
	ErrInvalidOverride   = errors.New("invalid node override")
	ErrNodeBusy          = errors.New("node has open tasks")
)
