// Package tokencount estimates token counts for generation CLI prompts.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. The CLI's
// own tokenizer is not public; cl100k_base is close enough for the
// accounting these estimates feed.
package tokencount

import (
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token estimation. The encoding is loaded
// once on first use; when it cannot be loaded (offline hosts, missing
// cache) the counter degrades to a bytes/4 estimate instead of failing.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// Count returns the estimated token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("token encoding unavailable, falling back to byte estimate",
				slog.Any("error", err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		// Rough estimate: ~4 bytes per token for English text.
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Count uses the default counter.
func Count(text string) int {
	return DefaultCounter.Count(text)
}
