package recorder

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"yaxha/internal/ports"
)

type pumpResult struct {
	chunks int
	bytes  int
	err    error
}

// pumpChunks reads the capture stream until EOF, feeding every read to the
// band source and sending fixed-size chunks in read order. The tail is
// flushed on EOF. Once discard is set, audio is read but no longer sent.
// done is closed after the last chunk has been handed to the transport.
func pumpChunks(
	audio ports.AudioSession,
	transport ports.Transport,
	bands ports.BandSource,
	chunkSize int,
	discard *atomic.Bool,
	onChunk func(bytes int),
	result *pumpResult,
	done chan struct{},
) {
	defer close(done)

	buf := make([]byte, chunkSize)
	pending := 0

	send := func() bool {
		if pending == 0 {
			return true
		}
		if discard.Load() {
			pending = 0
			return true
		}
		if err := transport.SendAudio(buf[:pending]); err != nil {
			result.err = fmt.Errorf("failed to stream audio: %w", err)
			return false
		}
		result.chunks++
		result.bytes += pending
		onChunk(pending)
		pending = 0
		return true
	}

	for {
		n, err := audio.Read(buf[pending:])
		if n > 0 {
			bands.Feed(buf[pending : pending+n])
			pending += n
			if pending == chunkSize && !send() {
				return
			}
		}
		if err != nil {
			if !send() {
				return
			}
			if !errors.Is(err, io.EOF) {
				result.err = fmt.Errorf("audio capture error: %w", err)
			}
			return
		}
	}
}
