package engine

import (
	"errors"

	"github.com/blockberries/graphberry/frame"
)

// Engine errors
var (
	ErrClosed            = errors.New("engine closed")
	ErrNestedTransaction = errors.New("nested transaction")
	ErrTransactionDone   = errors.New("transaction already finished")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrLogGap            = errors.New("log segments missing after snapshot")

	// ErrFrameAlreadyOpen is returned when a transaction reuses the tag of
	// an open frame
	ErrFrameAlreadyOpen = frame.ErrFrameAlreadyOpen
)
