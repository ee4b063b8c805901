package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"yaxha/internal/analyzer"
	"yaxha/internal/audio"
	"yaxha/internal/broadcast"
	"yaxha/internal/config"
	"yaxha/internal/exam"
	"yaxha/internal/metrics"
	"yaxha/internal/ports"
	"yaxha/internal/recorder"
	"yaxha/internal/speech"
	"yaxha/internal/transport/examws"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *exam.Controller
	Bus        *broadcast.Bus
	Analyzer   *analyzer.Analyzer
	Speaker    *speech.Speaker
	Metrics    *metrics.Metrics
	Config     config.Config

	log     zerolog.Logger
	closers []func() error
}

// Build loads configuration and wires all backend dependencies.
func Build(logger zerolog.Logger) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return BuildWith(cfg, logger)
}

// BuildWith wires the runtime graph from an already loaded configuration.
func BuildWith(cfg config.Config, logger zerolog.Logger) (*Services, error) {
	logger = logger.Level(cfg.Level())

	lexicon, err := speech.LoadLexicon(cfg.Speech.LexiconPath, cfg.Speech.LexiconPassLimit)
	if err != nil {
		return nil, err
	}

	m := metrics.New("yaxha")
	bus := broadcast.New(m.BroadcastDropped)
	s := &Services{Bus: bus, Metrics: m, Config: cfg, log: logger}

	s.Analyzer = analyzer.New(analyzer.Config{
		FFTSize:       cfg.Analyzer.FFTSize,
		FrameInterval: cfg.Analyzer.FrameInterval,
		Retention:     cfg.Analyzer.Retention,
		Channels:      cfg.Audio.Channels,
		Logger:        logger.With().Str("component", "analyzer").Logger(),
	}, bus.Bands.Set)

	capture, err := s.newCapture(cfg, logger)
	if err != nil {
		return nil, err
	}

	rec := recorder.New(capture, s.Analyzer, m, recorder.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		ChunkInterval: cfg.Session.ChunkInterval,
		FlushTimeout:  cfg.Session.FlushTimeout,
		CommitGrace:   cfg.Session.CommitGrace,
		Logger:        logger.With().Str("component", "recorder").Logger(),
	})

	dialer := examws.NewDialer(examws.Config{
		URL:              cfg.Backend.URL,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		WriteTimeout:     cfg.Backend.WriteTimeout,
		Logger:           logger.With().Str("component", "transport").Logger(),
		OnDropped:        m.FrameDropped,
	})

	s.Controller = exam.NewController(dialer, rec, bus, m, exam.Config{
		Policy: exam.Policy{
			PrepSeconds:              cfg.Policy.PrepSeconds,
			FloorSeconds:             cfg.Policy.FloorSeconds,
			CapSeconds:               cfg.Policy.CeilingSeconds,
			AdvanceOnCeilingAnyStage: cfg.Policy.AdvanceOnCeilingAnyStage,
			SilentFloorRejection:     cfg.Policy.SilentFloorRejection,
		},
		ConnectDelay: cfg.Backend.ConnectDelay,
		Logger:       logger.With().Str("component", "exam").Logger(),
	})

	var synth ports.Synthesizer
	if cfg.Speech.Enabled {
		synth = speech.NewCommandSynthesizer(speech.CommandConfig{
			Command:        cfg.Speech.Command,
			Voices:         cfg.Speech.Voices,
			Volume:         cfg.Speech.Volume,
			WordsPerMinute: cfg.Speech.WordsPerMinute,
		})
	}
	s.Speaker = speech.NewSpeaker(synth, lexicon, s.Analyzer, bus.AISpeaking.Set, s.Controller, speech.Config{
		SettleDelay: cfg.Speech.SettleDelay,
		Logger:      logger.With().Str("component", "speech").Logger(),
	})

	return s, nil
}

func (s *Services) newCapture(cfg config.Config, logger zerolog.Logger) (ports.AudioCapture, error) {
	switch cfg.Audio.Backend {
	case config.AudioBackendMalgo:
		capture, err := audio.NewMalgoCapture(logger.With().Str("component", "capture").Logger())
		if err != nil {
			return nil, fmt.Errorf("init malgo capture: %w", err)
		}
		if cfg.Audio.InputDevice != "" {
			logger.Warn().Str("device", cfg.Audio.InputDevice).Msg("malgo backend records from the default device")
		}
		s.closers = append(s.closers, capture.Close)
		return capture, nil
	default:
		return audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand), nil
	}
}

// Run drives the session, analyzer, speaker and optional metrics listener
// until ctx ends, then releases every resource.
func (s *Services) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	responses, unsubscribe := s.Bus.Responses.Subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Analyzer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.Speaker.Run(ctx, responses)
	}()

	if addr := s.Config.Metrics.Addr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Metrics.Serve(ctx, addr); err != nil {
				s.log.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
			}
		}()
	}

	err := s.Controller.Run(ctx)
	cancel()
	unsubscribe()
	wg.Wait()
	s.Bus.Close()

	var closeErrs []error
	for _, closeFn := range s.closers {
		if cerr := closeFn(); cerr != nil {
			closeErrs = append(closeErrs, cerr)
		}
	}
	return errors.Join(err, errors.Join(closeErrs...))
}
