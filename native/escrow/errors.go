package escrow

import "errors"

var (
	ErrNotFound        = errors.New("escrow: not found")
	ErrWrongCaller     = errors.New("escrow: wrong caller")
	ErrWrongStatus     = errors.New("escrow: wrong status")
	ErrInvalidTerms    = errors.New("escrow: invalid terms")
	ErrInvalidInput    = errors.New("escrow: invalid input")
	ErrWrongAmount     = errors.New("escrow: wrong amount")
	ErrExpired         = errors.New("escrow: accept window expired")
	ErrTooEarly        = errors.New("escrow: inspection window still open")
	ErrAlreadyDisputed = errors.New("escrow: already disputed")
)
