// Package interfaces provides internal interface definitions for tug.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe; ObserveBlock and ObserveReadBytes
// are called from the reader goroutine.
type Observer interface {
	ObserveReadBytes(n uint64)
	ObserveBlock(size uint64)
	ObserveLine(isRecord bool)
	ObserveRecord(ok bool)
	ObserveConsoleLine()
	ObserveCommand(blocking bool)
	ObserveCommandDone(latencyNs uint64, success bool)
	ObserveTimeout()
	ObserveGDBError()
	ObserveResynthesis()
}
