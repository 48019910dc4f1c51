// Package telemetry carries per-tick download telemetry from the engine to
// whoever is watching it.
package telemetry

import "media-stream/internal/domain"

// Sink receives values pushed by the engine. Implementations must not block
// for long: they run on the polling goroutine.
type Sink[T any] interface {
	Report(v T)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc[T any] func(v T)

func (f SinkFunc[T]) Report(v T) { f(v) }

type discard[T any] struct{}

func (discard[T]) Report(T) {}

// Discard returns a sink that drops every value.
func Discard[T any]() Sink[T] { return discard[T]{} }

type multi[T any] []Sink[T]

func (m multi[T]) Report(v T) {
	for _, s := range m {
		s.Report(v)
	}
}

// Multi fans a value out to every non-nil sink in order.
func Multi[T any](sinks ...Sink[T]) Sink[T] {
	out := make(multi[T], 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Sinks are the four independent telemetry channels of a download.
type Sinks struct {
	Progress  Sink[float64]
	Bandwidth Sink[domain.BandwidthSample]
	Seeds     Sink[int]
	Peers     Sink[int]
}

// OrDiscard replaces nil channels with discarding sinks.
func (s Sinks) OrDiscard() Sinks {
	if s.Progress == nil {
		s.Progress = Discard[float64]()
	}
	if s.Bandwidth == nil {
		s.Bandwidth = Discard[domain.BandwidthSample]()
	}
	if s.Seeds == nil {
		s.Seeds = Discard[int]()
	}
	if s.Peers == nil {
		s.Peers = Discard[int]()
	}
	return s
}

// Reset publishes the zero values on every channel.
func (s Sinks) Reset() {
	s.Progress.Report(0)
	s.Bandwidth.Report(domain.BandwidthSample{})
	s.Seeds.Report(0)
	s.Peers.Report(0)
}
