// Package dataflow implements the typed port / trigger dataflow
// runtime: components exposing named push/pull ports, triggered
// components that synchronize heterogeneous inputs by timestamp with
// time and space expansion, network assembly from UTQL response
// documents, and event priority assignment.
package dataflow

import (
	"time"
)

// Timestamp is a measurement time in nanoseconds. Timestamps are much
// coarser than the 0..255 event priority offset added to them, so the
// offset never reorders events across distinct timestamps.
type Timestamp uint64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixNano())
}

// Measurement is an immutable timestamped payload. Measurements are
// shared snapshots; ports do not own them.
type Measurement[T any] struct {
	Time  Timestamp
	Value T
}

// NewMeasurement creates a measurement.
func NewMeasurement[T any](t Timestamp, v T) Measurement[T] {
	return Measurement[T]{Time: t, Value: v}
}
