package analyst

import (
	"context"
	"sync"
	"time"

	"github.com/southquant/tradecore/internal/market"
)

// StaticSentimentSource is a settable in-memory sentiment feed. It backs
// simulation runs and tests; a zero value reads as stale, so the
// sentiment analyst reports confidence 0 until a value is pushed.
type StaticSentimentSource struct {
	mu        sync.Mutex
	value     float64
	fetchedAt time.Time
	headlines []Headline
}

// NewStaticSentimentSource creates an empty (stale) source.
func NewStaticSentimentSource() *StaticSentimentSource {
	return &StaticSentimentSource{}
}

// SetFearGreed pushes a fresh index value.
func (s *StaticSentimentSource) SetFearGreed(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.fetchedAt = time.Now()
}

// SetHeadlines replaces the scored headline batch.
func (s *StaticSentimentSource) SetHeadlines(items []Headline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headlines = items
}

func (s *StaticSentimentSource) FearGreed(context.Context) (float64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.fetchedAt, nil
}

func (s *StaticSentimentSource) Headlines(context.Context, market.Pair) ([]Headline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Headline, len(s.headlines))
	copy(out, s.headlines)
	return out, nil
}

// StaticExternalSource is the settable counterpart for on-chain and
// macro feeds. Zero value reads as stale.
type StaticExternalSource struct {
	mu      sync.Mutex
	reading ExternalReading
}

// NewStaticExternalSource creates an empty (stale) source.
func NewStaticExternalSource() *StaticExternalSource {
	return &StaticExternalSource{}
}

// Set pushes a fresh reading, stamping it now when FetchedAt is zero.
func (s *StaticExternalSource) Set(reading ExternalReading) {
	if reading.FetchedAt.IsZero() {
		reading.FetchedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = reading
}

func (s *StaticExternalSource) Read(context.Context, market.Pair) (*ExternalReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.reading
	return &cp, nil
}

var (
	_ SentimentSource = (*StaticSentimentSource)(nil)
	_ ExternalSource  = (*StaticExternalSource)(nil)
)
