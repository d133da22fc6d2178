package ingest

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/markchat/backend/internal/markdown"
)

// commitFunc receives the full normalized content and the raw slice that
// produced it.
type commitFunc func(content, delta string) error

// Typewriter reveals text a few characters at a time, re-normalizing the
// whole accumulated content before every commit.
type Typewriter struct {
	batch   int
	limiter *rate.Limiter
	raw     strings.Builder
	commit  commitFunc
}

// NewTypewriter paces slices of batch characters one delay apart. A
// non-positive batch reveals each span at once; a zero delay disables pacing.
func NewTypewriter(batch int, delay time.Duration, commit commitFunc) *Typewriter {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Typewriter{
		batch:   batch,
		limiter: rate.NewLimiter(limit, 1),
		commit:  commit,
	}
}

// Type appends span. It returns early with the context error when ctx is
// cancelled between slices.
func (tw *Typewriter) Type(ctx context.Context, span string) error {
	if span == "" {
		return nil
	}

	// Fixups such as the blank line before a heading can straddle the old
	// and new text, so the whole buffer is normalized, not just the span.
	target := markdown.Sanitize(tw.raw.String() + span)

	runes := []rune(span)
	step := tw.batch
	if step <= 0 {
		step = len(runes)
	}

	for i := 0; i < len(runes); i += step {
		if err := tw.limiter.Wait(ctx); err != nil {
			return err
		}

		end := i + step
		if end > len(runes) {
			end = len(runes)
		}
		part := string(runes[i:end])
		tw.raw.WriteString(part)

		content := target
		if end < len(runes) {
			content = markdown.Sanitize(tw.raw.String())
		}
		if err := tw.commit(content, part); err != nil {
			return err
		}
	}
	return nil
}

// Raw returns everything typed so far, before normalization.
func (tw *Typewriter) Raw() string {
	return tw.raw.String()
}

// Final returns the normalized accumulated content.
func (tw *Typewriter) Final() string {
	return markdown.Sanitize(tw.raw.String())
}
