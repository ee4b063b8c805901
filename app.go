package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"yaxha/internal/bootstrap"
	"yaxha/internal/broadcast"
	"yaxha/internal/config"
	"yaxha/internal/domain"
	"yaxha/internal/exam"
)

const (
	eventSnapshot = "yaxha:snapshot"
	eventBands    = "yaxha:bands"
	eventSpeaking = "yaxha:speaking"
	eventResponse = "yaxha:response"
	eventError    = "yaxha:error"
)

// App is the Wails application root.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	controller *exam.Controller
	cfg        config.Config
	bootErr    error

	emit func(event string, data ...interface{})
	wg   sync.WaitGroup
}

func NewApp(logger zerolog.Logger) *App {
	return &App{log: logger}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.emit == nil {
		a.emit = func(event string, data ...interface{}) {
			runtime.EventsEmit(ctx, event, data...)
		}
	}

	services, err := bootstrap.Build(a.log)
	if err != nil {
		a.bootErr = err
		a.log.Error().Err(err).Msg("startup failed")
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.relay(runCtx, services.Bus)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := services.Run(runCtx); err != nil {
			a.log.Error().Err(err).Msg("session runtime stopped with error")
		}
	}()
}

func (a *App) shutdown(context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// relay forwards bus channels to the frontend until ctx ends.
func (a *App) relay(ctx context.Context, bus *broadcast.Bus) {
	a.wg.Add(4)
	go func() {
		defer a.wg.Done()
		broadcast.Watch(ctx, bus.Snapshot, func(s domain.Snapshot) { a.emit(eventSnapshot, s) })
	}()
	go func() {
		defer a.wg.Done()
		broadcast.Watch(ctx, bus.Bands, func(b domain.Bands) { a.emit(eventBands, b) })
	}()
	go func() {
		defer a.wg.Done()
		broadcast.Watch(ctx, bus.AISpeaking, func(speaking bool) { a.emit(eventSpeaking, speaking) })
	}()
	go func() {
		defer a.wg.Done()
		broadcast.Consume(ctx, bus.Responses, func(msg domain.AIMessage) { a.emit(eventResponse, msg) })
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		broadcast.Consume(ctx, bus.Notices, func(n domain.Notice) { a.SessionError(n.Code, n.Message) })
	}()
}

// StartExam asks the backend to begin the exam.
func (a *App) StartExam() (domain.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := a.controller.StartExam(a.ctx); err != nil {
		return a.controller.Snapshot(), err
	}
	return a.controller.Snapshot(), nil
}

// Toggle starts or ends the candidate's turn.
func (a *App) Toggle() (domain.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := a.controller.Toggle(a.ctx); err != nil {
		return a.controller.Snapshot(), err
	}
	return a.controller.Snapshot(), nil
}

// DismissError clears a dismissible error banner.
func (a *App) DismissError() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.DismissError(a.ctx)
}

// GetSnapshot returns the current session state.
func (a *App) GetSnapshot() domain.Snapshot {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Snapshot{Stage: domain.StageIntroduction, Error: a.bootErr.Error()}
		}
		return domain.Snapshot{Stage: domain.StageIntroduction}
	}
	return a.controller.Snapshot()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"backend":          a.cfg.Backend.URL,
		"audioBackend":     a.cfg.Audio.Backend,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"prepSeconds":      strconv.Itoa(a.cfg.Policy.PrepSeconds),
		"floorSeconds":     strconv.Itoa(a.cfg.Policy.FloorSeconds),
		"ceilingSeconds":   strconv.Itoa(a.cfg.Policy.CeilingSeconds),
		"speech":           strconv.FormatBool(a.cfg.Speech.Enabled),
		"lexiconFile":      a.cfg.Speech.LexiconPath,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionError emits notices to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.emit == nil {
		return
	}
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeDevice:
		return "Microphone unavailable"
	case domain.ErrorCodeTransport:
		return "Connection to the examiner lost"
	case domain.ErrorCodeProtocol:
		return "Unreadable message from the examiner"
	case domain.ErrorCodePolicy:
		if detail != "" {
			return detail
		}
		return "Action not allowed yet"
	case domain.ErrorCodeServer:
		return "Examiner reported an error"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
