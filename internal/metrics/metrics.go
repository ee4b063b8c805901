// Package metrics exposes session and audio telemetry to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yaxha/internal/domain"
)

// Metrics holds all Prometheus metrics for one client process.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal  *prometheus.CounterVec
	NoticesTotal *prometheus.CounterVec
	StagesTotal  *prometheus.CounterVec

	AudioChunksTotal prometheus.Counter
	AudioBytesTotal  prometheus.Counter
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     prometheus.Histogram

	DroppedTotal *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "yaxha"
	}

	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Events applied to the exam session",
		},
		[]string{"event"},
	)

	noticesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "Notices raised to the candidate",
		},
		[]string{"code"},
	)

	stagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_entered_total",
			Help:      "Exam stages entered",
		},
		[]string{"stage"},
	)

	audioChunksTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Binary audio chunks handed to the transport",
		},
	)

	audioBytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Audio bytes handed to the transport",
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished candidate turns",
		},
		[]string{"result"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Candidate turn duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 240},
		},
	)

	droppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Inbound frames and broadcast events that were dropped",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		eventsTotal,
		noticesTotal,
		stagesTotal,
		audioChunksTotal,
		audioBytesTotal,
		turnsTotal,
		turnDuration,
		droppedTotal,
	)

	return &Metrics{
		registry:         registry,
		EventsTotal:      eventsTotal,
		NoticesTotal:     noticesTotal,
		StagesTotal:      stagesTotal,
		AudioChunksTotal: audioChunksTotal,
		AudioBytesTotal:  audioBytesTotal,
		TurnsTotal:       turnsTotal,
		TurnDuration:     turnDuration,
		DroppedTotal:     droppedTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (m *Metrics) EventApplied(name string) {
	m.EventsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) NoticeRaised(code domain.ErrorCode) {
	m.NoticesTotal.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) StageEntered(stage domain.Stage) {
	m.StagesTotal.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) ChunkSent(bytes int) {
	m.AudioChunksTotal.Inc()
	m.AudioBytesTotal.Add(float64(bytes))
}

func (m *Metrics) TurnFinished(d time.Duration, committed bool) {
	result := "discarded"
	if committed {
		result = "committed"
	}
	m.TurnsTotal.WithLabelValues(result).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// BroadcastDropped counts an event a slow subscriber missed.
func (m *Metrics) BroadcastDropped() {
	m.DroppedTotal.WithLabelValues("broadcast").Inc()
}

// FrameDropped counts a malformed inbound frame.
func (m *Metrics) FrameDropped(error) {
	m.DroppedTotal.WithLabelValues("malformed_frame").Inc()
}
