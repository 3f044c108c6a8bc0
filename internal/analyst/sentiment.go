package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/market"
)

// Headline is one scored news item. Polarity is in [-1, 1].
type Headline struct {
	Title    string
	Polarity float64
}

// SentimentSource supplies the external crowd-sentiment inputs.
type SentimentSource interface {
	// FearGreed returns the current index value (0-100) and when it was
	// fetched.
	FearGreed(ctx context.Context) (value float64, fetchedAt time.Time, err error)
	// Headlines returns a recent scored headline batch.
	Headlines(ctx context.Context, pair market.Pair) ([]Headline, error)
}

// Sentiment trades against the crowd: extreme fear reads bullish,
// extreme greed bearish. Headlines blend in via newsWeight.
type Sentiment struct {
	source     SentimentSource
	newsWeight float64
	staleAfter time.Duration
	log        zerolog.Logger
}

// NewSentiment creates the contrarian sentiment analyst. newsWeight in
// [0, 1] sets how much headline polarity dilutes the fear/greed read.
func NewSentiment(source SentimentSource, newsWeight float64, staleAfter time.Duration, logger zerolog.Logger) *Sentiment {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Sentiment{
		source:     source,
		newsWeight: clamp(newsWeight, 0, 1),
		staleAfter: staleAfter,
		log:        logger,
	}
}

func (s *Sentiment) Name() string { return "sentiment" }

func (s *Sentiment) Evaluate(ctx context.Context, pair market.Pair, _ *market.Data) (*Signal, error) {
	fg, fetchedAt, err := s.source.FearGreed(ctx)
	if err != nil {
		return nil, fmt.Errorf("sentiment: fear/greed fetch: %w", err)
	}

	// A stale feed says nothing; never fabricate a direction from it.
	if time.Since(fetchedAt) > s.staleAfter {
		return &Signal{
			Source:     s.Name(),
			Pair:       pair,
			Direction:  0,
			Confidence: 0,
			Reasoning:  fmt.Sprintf("fear/greed stale since %s", fetchedAt.Format(time.RFC3339)),
			Timestamp:  time.Now(),
		}, nil
	}

	contrarian := (50 - fg) / 50

	var headlinePolarity float64
	headlines, err := s.source.Headlines(ctx, pair)
	if err != nil {
		s.log.Warn().Err(err).Str("pair", pair.String()).Msg("Headline fetch failed")
	} else if len(headlines) > 0 {
		for _, h := range headlines {
			headlinePolarity += h.Polarity
		}
		headlinePolarity /= float64(len(headlines))
	}

	direction := clamp(contrarian*(1-s.newsWeight)+headlinePolarity*s.newsWeight, -1, 1)
	confidence := clamp(math.Abs(fg-50)/50, 0, 1)

	return &Signal{
		Source:     s.Name(),
		Pair:       pair,
		Direction:  direction,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("fear_greed=%.0f contrarian=%.2f headlines=%d", fg, contrarian, len(headlines)),
		Timestamp:  time.Now(),
		Metadata: map[string]any{
			"fear_greed":        fg,
			"headline_polarity": headlinePolarity,
		},
	}, nil
}
