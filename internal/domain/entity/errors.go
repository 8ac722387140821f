package entity

import "errors"

var (
	// Plan errors
	ErrPlanMalformed    = errors.New("plan malformed")
	ErrPlanCycle        = errors.New("plan group dependencies form a cycle")
	ErrApprovalRejected = errors.New("plan approval rejected")
	ErrPlanNotFound     = errors.New("plan not found")

	// Session errors
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrSessionNotFound  = errors.New("session not found")

	// Agent loop errors
	ErrIterationLimit   = errors.New("iteration limit exceeded")
	ErrModelUnavailable = errors.New("model unavailable")

	// Worker errors
	ErrWorkerSpawnFailed = errors.New("worker spawn failed")
)
