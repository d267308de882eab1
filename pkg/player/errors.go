package player

import "errors"

var (
	ErrNoBag        = errors.New("player: no bag loaded")
	ErrInvalidSpeed = errors.New("player: speed must be greater than zero")
	ErrInvalidRange = errors.New("player: range start must not exceed range end")
	ErrInvalidSeek  = errors.New("player: seek fraction outside [0,1]")
)
