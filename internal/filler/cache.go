package filler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cadenza-voice/cadenza/pkg/provider/tts"
)

// Cache renders filler phrases through TTS at most once per phrase and
// emotion, then serves the audio from memory. A cache hit costs a map lookup,
// which is what lets a filler start playing within the same tick that the
// cutoff fires.
//
// When constructed with a directory, rendered audio is also written to disk
// as raw PCM so the cache survives restarts without re-synthesising.
type Cache struct {
	provider tts.Provider
	dir      string

	sf singleflight.Group

	mu    sync.RWMutex
	audio map[string][]byte
}

// NewCache builds a cache over provider. dir may be empty for a memory-only
// cache; otherwise it is created if missing.
func NewCache(provider tts.Provider, dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filler: create cache dir: %w", err)
		}
	}
	return &Cache{
		provider: provider,
		dir:      dir,
		audio:    make(map[string][]byte),
	}, nil
}

// Get returns the rendered audio for phrase spoken with voice. Concurrent
// calls for the same phrase and emotion share a single synthesis via
// singleflight. The returned slice is shared with the cache; callers must
// treat it as read-only.
//
// When voice carries no emotion, the phrase's own emotion is applied so the
// rendition matches the phrase's register. Synthesis failures are wrapped
// around [tts.ErrSynthesisFailed] where the provider reports one.
func (c *Cache) Get(ctx context.Context, phrase *Phrase, voice tts.VoiceProfile) ([]byte, error) {
	if phrase == nil {
		return nil, errors.New("filler: nil phrase")
	}
	if voice.Emotion == "" {
		voice.Emotion = phrase.Emotion
	}
	key := cacheKey(phrase, voice.Emotion)

	c.mu.RLock()
	data, ok := c.audio[key]
	c.mu.RUnlock()
	if ok {
		return data, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while we waited on
		// the flight group.
		c.mu.RLock()
		data, ok := c.audio[key]
		c.mu.RUnlock()
		if ok {
			return data, nil
		}

		if data := c.readDisk(key); len(data) > 0 {
			c.put(key, data)
			return data, nil
		}

		data, err := c.synthesize(ctx, phrase.Text, voice)
		if err != nil {
			return nil, err
		}
		c.put(key, data)
		c.writeDisk(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Prewarm renders each phrase into the cache so the first real turn never
// pays synthesis latency. Phrases are rendered one at a time; a failure on
// one phrase does not stop the rest, and all failures come back joined.
func (c *Cache) Prewarm(ctx context.Context, phrases []*Phrase, voice tts.VoiceProfile) error {
	var errs []error
	for _, p := range phrases {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := c.Get(ctx, p, voice); err != nil {
			errs = append(errs, err)
			continue
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("filler: prewarm: %w", err)
	}
	slog.Info("filler: cache pre-warmed", "phrases", len(phrases), "entries", c.Len())
	return nil
}

// Len returns the number of rendered entries currently held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.audio)
}

func (c *Cache) put(key string, data []byte) {
	c.mu.Lock()
	c.audio[key] = data
	c.mu.Unlock()
}

// synthesize performs a one-shot synthesis: the streaming TTS interface is
// fed a single closed text channel and the audio chunks are concatenated.
func (c *Cache) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	out, err := c.provider.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, fmt.Errorf("filler: synthesize %q: %w", text, err)
	}

	var data []byte
	for chunk := range out {
		data = append(data, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filler: synthesize %q: %w", text, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("filler: synthesize %q: no audio produced: %w", text, tts.ErrSynthesisFailed)
	}
	return data, nil
}

func (c *Cache) readDisk(key string) []byte {
	if c.dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, key+".pcm"))
	if err != nil {
		return nil
	}
	return data
}

// writeDisk persists best-effort: a full disk degrades the cache to
// memory-only rather than failing the turn.
func (c *Cache) writeDisk(key string, data []byte) {
	if c.dir == "" {
		return
	}
	path := filepath.Join(c.dir, key+".pcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("filler: cache persist failed", "path", path, "err", err)
	}
}

// cacheKey derives a stable filename-safe key from the phrase text and the
// emotion it is rendered with. The category prefix keeps the cache directory
// human-navigable.
func cacheKey(p *Phrase, emotion string) string {
	sum := sha256.Sum256([]byte(p.Text + "\x00" + emotion))
	return string(p.Category) + "_" + hex.EncodeToString(sum[:8])
}
