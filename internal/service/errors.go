package service

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrPersistenceFailed    = errors.New("persistence failed")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrNoCharacterAvailable = errors.New("no ai character available")
	ErrGenerationFailed     = errors.New("ai generation failed")
	ErrMessageNotRetryable  = errors.New("message already sent or not owned")
)
