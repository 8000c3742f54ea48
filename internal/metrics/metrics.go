// Package metrics exposes the dome's state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/w1xm/dome_interface/dome"
)

var (
	Azimuth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dome_azimuth_degrees",
		Help: "Dome azimuth from the encoder.",
	})
	Target = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dome_target_azimuth_degrees",
		Help: "Effective target azimuth, the home azimuth while homing.",
	})
	Error = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dome_error_degrees",
		Help: "Signed shortest arc from the dome azimuth to the target.",
	})
	Homing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dome_homing",
		Help: "1 while the dome is seeking its home azimuth.",
	})
	TargetAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dome_target_age_seconds",
		Help: "Time since the last tracking target was received.",
	})
	RotationState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dome_rotation_state",
		Help: "1 for the current rotation state.",
	}, []string{"state"})
	ShutterState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dome_shutter_state",
		Help: "1 for the current shutter state.",
	}, []string{"state"})
	TargetMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dome_target_messages_total",
		Help: "Azimuth messages received from the imaging controller, by result.",
	}, []string{"result"})
	Connections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dome_listener_connections_total",
		Help: "Connections accepted by the azimuth listener.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		Azimuth,
		Target,
		Error,
		Homing,
		TargetAge,
		RotationState,
		ShutterState,
		TargetMessages,
		Connections,
	)
}

// ObserveStatus copies a controller status into the gauges.
func ObserveStatus(s dome.Status) {
	Azimuth.Set(s.Azimuth)
	Target.Set(s.Target)
	Error.Set(s.Error)
	if s.Homing {
		Homing.Set(1)
	} else {
		Homing.Set(0)
	}
	if s.HasTarget {
		TargetAge.Set(s.Updated.Sub(s.TargetReceived).Seconds())
	}
	for _, st := range []dome.State{dome.Idle, dome.Seeking, dome.Decelerating, dome.Aligned} {
		RotationState.WithLabelValues(st.String()).Set(boolToFloat(st == s.State))
	}
	for _, st := range []dome.ShutterState{dome.Closed, dome.Opening, dome.Open, dome.Closing} {
		ShutterState.WithLabelValues(st.String()).Set(boolToFloat(st == s.Shutter))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// EncoderStats is satisfied by *encoder.Encoder.
type EncoderStats interface {
	Stats() (accepted, rejected uint64)
}

// RegisterEncoder exports the encoder's edge counters.
func RegisterEncoder(reg prometheus.Registerer, e EncoderStats) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "dome_encoder_pulses_total",
			Help: "Encoder edges counted.",
		}, func() float64 {
			a, _ := e.Stats()
			return float64(a)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "dome_encoder_debounced_total",
			Help: "Encoder edges discarded by the debounce filter.",
		}, func() float64 {
			_, r := e.Stats()
			return float64(r)
		}),
	)
}

