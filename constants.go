package tug

import "github.com/kyle-sylvestre/tug/internal/constants"

// Re-export constants for public API
const (
	ReadRingSize    = constants.ReadRingSize
	MaxStoredBlocks = constants.MaxStoredBlocks
	AggregateMax    = constants.AggregateMax
	NumLogRows      = constants.NumLogRows
	NumLogCols      = constants.NumLogCols
	CommandTimeout  = constants.CommandTimeout
)
