// Package speech narrates examiner responses and reports narration state.
package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"yaxha/internal/domain"
	"yaxha/internal/ports"
)

type Config struct {
	// SettleDelay separates cancelling an utterance from starting the next.
	SettleDelay time.Duration
	Logger      zerolog.Logger
}

// Speaker owns synthesis side effects. Each response produces exactly one
// SpeechFinished notification, also when nothing is spoken.
type Speaker struct {
	synth    ports.Synthesizer
	lexicon  *Lexicon
	bands    ports.BandSource
	speaking func(bool)
	observer ports.SpeechObserver
	cfg      Config
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSpeaker(
	synth ports.Synthesizer,
	lexicon *Lexicon,
	bands ports.BandSource,
	speaking func(bool),
	observer ports.SpeechObserver,
	cfg Config,
) *Speaker {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if speaking == nil {
		speaking = func(bool) {}
	}
	return &Speaker{
		synth:    synth,
		lexicon:  lexicon,
		bands:    bands,
		speaking: speaking,
		observer: observer,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Run narrates every response read from messages until ctx ends or the
// channel closes. Error messages are not spoken.
func (s *Speaker) Run(ctx context.Context, messages <-chan domain.AIMessage) {
	defer s.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Kind == domain.MessageResponse {
				s.Say(ctx, msg.Seq, msg.Text)
			}
		}
	}
}

// Say cancels the current utterance and narrates text in the background.
func (s *Speaker) Say(ctx context.Context, seq uint64, text string) {
	s.Cancel()

	uttCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.narrate(uttCtx, seq, text, done)
}

// Cancel stops the current utterance and waits for its notifications.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Speaker) narrate(ctx context.Context, seq uint64, text string, done chan struct{}) {
	defer close(done)

	started := false
	defer func() {
		if started {
			s.speaking(false)
			if s.bands != nil {
				s.bands.SetSynthetic(false)
			}
		}
		if s.observer != nil {
			s.observer.SpeechFinished(seq)
		}
	}()

	if s.cfg.SettleDelay > 0 {
		timer := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	clean := Sanitize(text)
	if s.lexicon != nil {
		clean = s.lexicon.Apply(clean)
	}
	if clean == "" || s.synth == nil {
		return
	}

	err := s.synth.Speak(ctx, clean, ports.SpeechCallbacks{
		OnStart: func() {
			if started {
				return
			}
			started = true
			s.speaking(true)
			if s.bands != nil {
				s.bands.SetSynthetic(true)
			}
			if s.observer != nil {
				s.observer.SpeechStarted(seq)
			}
		},
	})
	if err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Uint64("seq", seq).Msg("speech synthesis failed")
	}
}
