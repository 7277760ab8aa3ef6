package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatcher instruments the coordinator's command fan-out.
type Dispatcher struct {
	Commands       *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	TransmitRounds prometheus.Counter
	LiveHandles    prometheus.Gauge
}

// NewDispatcher creates the dispatcher collectors and registers them with
// reg when it is non-nil.
func NewDispatcher(namespace string, reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Number of commands fanned out, by opcode",
		}, []string{"opcode"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Number of failed commands, by opcode and reason",
		}, []string{"opcode", "reason"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Time from fan-out to the last node reply",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"opcode"}),
		TransmitRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "transmit_rounds_total",
			Help:      "Number of transmit rounds executed",
		}),
		LiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "live_handles",
			Help:      "Number of handles in the variable registry",
		}),
	}
	if reg != nil {
		reg.MustRegister(d.Commands, d.Failures, d.Duration, d.TransmitRounds, d.LiveHandles)
	}
	return d
}

// Segment instruments a node's command execution.
type Segment struct {
	Commands  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Variables prometheus.Gauge
	Bytes     prometheus.Gauge
}

// NewSegment creates the node collectors and registers them with reg when
// it is non-nil.
func NewSegment(namespace string, reg prometheus.Registerer) *Segment {
	s := &Segment{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "commands_total",
			Help:      "Number of commands executed, by opcode and outcome",
		}, []string{"opcode", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "command_duration_seconds",
			Help:      "Command execution time",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"opcode"}),
		Variables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "variables",
			Help:      "Number of values held by the node",
		}),
		Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "variable_bytes",
			Help:      "Estimated memory held by stored values",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.Commands, s.Duration, s.Variables, s.Bytes)
	}
	return s
}
