package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"yaxha/internal/ports"
)

// CommandConfig selects the narration engine.
type CommandConfig struct {
	// Command is espeak-ng, espeak or say. Other commands receive the text as
	// their only argument.
	Command string
	// Voices lists language tags in order of preference.
	Voices []string
	// Volume in [0,1].
	Volume float64
	// WordsPerMinute of zero keeps the engine default.
	WordsPerMinute int
}

type engineKind int

const (
	engineGeneric engineKind = iota
	engineESpeak
	engineSay
)

// CommandSynthesizer narrates through a local text-to-speech executable.
// Cancelling the context kills the process.
type CommandSynthesizer struct {
	cfg  CommandConfig
	kind engineKind

	voiceMu       sync.Mutex
	voice         string
	voiceResolved bool
	voiceAttempts int
	voiceTimeout  time.Duration
}

const maxVoiceAttempts = 3

func NewCommandSynthesizer(cfg CommandConfig) *CommandSynthesizer {
	if cfg.Command == "" {
		cfg.Command = "espeak-ng"
	}
	if len(cfg.Voices) == 0 {
		cfg.Voices = []string{"en-GB", "en-US"}
	}
	if cfg.Volume <= 0 || cfg.Volume > 1 {
		cfg.Volume = 0.9
	}
	return &CommandSynthesizer{cfg: cfg, kind: detectEngine(cfg.Command), voiceTimeout: 2 * time.Second}
}

func detectEngine(command string) engineKind {
	switch strings.TrimSuffix(filepath.Base(command), ".exe") {
	case "espeak-ng", "espeak":
		return engineESpeak
	case "say":
		return engineSay
	default:
		return engineGeneric
	}
}

// Speak runs the engine and blocks until it exits. OnStart fires once the
// process is running.
func (c *CommandSynthesizer) Speak(ctx context.Context, text string, cb ports.SpeechCallbacks) error {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.args(c.currentVoice(), text)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.cfg.Command, err)
	}
	if cb.OnStart != nil {
		cb.OnStart()
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", c.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (c *CommandSynthesizer) args(voice, text string) []string {
	var args []string
	switch c.kind {
	case engineESpeak:
		if voice != "" {
			args = append(args, "-v", voice)
		}
		args = append(args, "-a", strconv.Itoa(int(c.cfg.Volume*100)))
		if c.cfg.WordsPerMinute > 0 {
			args = append(args, "-s", strconv.Itoa(c.cfg.WordsPerMinute))
		}
		args = append(args, "--", text)
	case engineSay:
		if voice != "" {
			args = append(args, "-v", voice)
		}
		if c.cfg.WordsPerMinute > 0 {
			args = append(args, "-r", strconv.Itoa(c.cfg.WordsPerMinute))
		}
		args = append(args, fmt.Sprintf("[[volm %.2f]] %s", c.cfg.Volume, text))
	default:
		args = append(args, text)
	}
	return args
}

// currentVoice returns the preferred installed voice. A failed listing is
// retried on later utterances, up to maxVoiceAttempts.
func (c *CommandSynthesizer) currentVoice() string {
	c.voiceMu.Lock()
	defer c.voiceMu.Unlock()
	if c.voiceResolved || c.voiceAttempts >= maxVoiceAttempts {
		return c.voice
	}
	c.voiceAttempts++

	ctx, cancel := context.WithTimeout(context.Background(), c.voiceTimeout)
	defer cancel()
	voice, err := c.resolveVoice(ctx)
	if err != nil {
		return ""
	}
	c.voice, c.voiceResolved = voice, true
	return voice
}

func (c *CommandSynthesizer) resolveVoice(ctx context.Context) (string, error) {
	var listArgs []string
	switch c.kind {
	case engineESpeak:
		listArgs = []string{"--voices=en"}
	case engineSay:
		listArgs = []string{"-v", "?"}
	default:
		return "", nil
	}
	out, err := exec.CommandContext(ctx, c.cfg.Command, listArgs...).Output()
	if err != nil {
		return "", fmt.Errorf("list %s voices: %w", c.cfg.Command, err)
	}
	return pickVoice(c.kind, string(out), c.cfg.Voices), nil
}

type voiceEntry struct {
	name string
	lang string
}

func parseVoices(kind engineKind, listing string) []voiceEntry {
	var voices []voiceEntry
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		switch kind {
		case engineESpeak:
			// Pty Language Age/Gender VoiceName File Other Languages
			if len(fields) < 4 || fields[0] == "Pty" {
				continue
			}
			voices = append(voices, voiceEntry{name: fields[1], lang: normalizeLang(fields[1])})
		case engineSay:
			// Daniel              en_GB    # Hello! My name is Daniel.
			for i := 1; i < len(fields); i++ {
				if len(fields[i]) == 5 && fields[i][2] == '_' {
					voices = append(voices, voiceEntry{name: strings.Join(fields[:i], " "), lang: normalizeLang(fields[i])})
					break
				}
			}
		}
	}
	return voices
}

func pickVoice(kind engineKind, listing string, preferences []string) string {
	voices := parseVoices(kind, listing)
	for _, pref := range preferences {
		want := normalizeLang(pref)
		for _, v := range voices {
			if v.lang == want {
				return v.name
			}
		}
	}
	return ""
}

func normalizeLang(tag string) string {
	return strings.ToLower(strings.ReplaceAll(tag, "_", "-"))
}
