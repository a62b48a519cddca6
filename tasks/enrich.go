package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/job"
)

// TypeEnrich is the task type tag for metadata enrichment.
const TypeEnrich = "media.enrich"

// EnrichPayload identifies the media item to enrich and the lookup hints.
type EnrichPayload struct {
	// MediaID is the caller's identifier for the item being enriched.
	MediaID string `json:"media_id" validate:"required"`

	// Artist and Title seed the source lookups.
	Artist string `json:"artist" validate:"required"`
	Title  string `json:"title" validate:"required"`

	// Sources restricts the lookup to a subset of configured sources,
	// in priority order. Empty uses the configured order.
	Sources []string `json:"sources,omitempty"`
}

// Metadata is the merged enrichment output. Fields are filled
// first-wins in source priority order.
type Metadata struct {
	Title        string `json:"title,omitempty"`
	Artist       string `json:"artist,omitempty"`
	Album        string `json:"album,omitempty"`
	Year         int    `json:"year,omitempty"`
	Genre        string `json:"genre,omitempty"`
	Description  string `json:"description,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	DirectorName string `json:"director_name,omitempty"`
}

// EnrichResult is persisted as the job result.
type EnrichResult struct {
	MediaID   string    `json:"media_id"`
	Metadata  Metadata  `json:"metadata"`
	Sources   []string  `json:"sources"` // sources that answered
	Failed    []string  `json:"failed,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Query is the lookup request handed to each source.
type Query struct {
	Artist string
	Title  string
}

// Source is a metadata provider. Implementations wrap one upstream API
// (imvdb, lastfm, musicbrainz) and must honor the lookup context.
type Source interface {
	// Name is the stable source identifier used in payloads and results.
	Name() string
	// Lookup fetches metadata for the query. A nil result with nil error
	// means the source has no match.
	Lookup(ctx context.Context, q Query) (*Metadata, error)
}

// Enricher fans lookups out to sources, each behind its own circuit
// breaker and timeout, and merges the answers in priority order.
type Enricher struct {
	sources  []Source
	breakers map[string]*gobreaker.CircuitBreaker[*Metadata]
	timeout  time.Duration
	logger   *slog.Logger
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithSourceTimeout sets the per-source lookup timeout.
func WithSourceTimeout(d time.Duration) EnricherOption {
	return func(e *Enricher) { e.timeout = d }
}

// NewEnricher builds an Enricher. Source order is priority order: when
// two sources answer with the same field, the earlier source wins.
func NewEnricher(sources []Source, logger *slog.Logger, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		sources:  sources,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Metadata], len(sources)),
		timeout:  10 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, src := range sources {
		e.breakers[src.Name()] = gobreaker.NewCircuitBreaker[*Metadata](gobreaker.Settings{
			Name:        src.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return e
}

// sourceAnswer pairs a source's priority rank with its metadata.
type sourceAnswer struct {
	rank int
	name string
	meta *Metadata
	err  error
}

// Enrich queries the selected sources concurrently and merges their
// answers. Partial source failure never fails the lookup; zero
// successful sources does.
func (e *Enricher) Enrich(ctx context.Context, p EnrichPayload) (*EnrichResult, error) {
	selected := e.selectSources(p.Sources)
	if len(selected) == 0 {
		return nil, fault.Validationf("no known sources in %v", p.Sources)
	}

	q := Query{Artist: p.Artist, Title: p.Title}
	answers := make([]sourceAnswer, len(selected))
	var wg sync.WaitGroup

	for i, src := range selected {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answers[i] = sourceAnswer{rank: i, name: src.Name()}
			answers[i].meta, answers[i].err = e.lookupOne(ctx, src, q)
		}()
	}
	wg.Wait()

	res := &EnrichResult{MediaID: p.MediaID, FetchedAt: time.Now().UTC()}
	for _, a := range answers {
		if a.err != nil {
			e.logger.Warn("enrichment source failed",
				slog.String("source", a.name),
				slog.String("error", a.err.Error()),
			)
			res.Failed = append(res.Failed, a.name)
			continue
		}
		if a.meta == nil {
			continue
		}
		res.Sources = append(res.Sources, a.name)
		mergeMetadata(&res.Metadata, a.meta)
	}

	if len(res.Sources) == 0 {
		return nil, fault.New(fault.ClassTransient, "enrichment_unavailable",
			"no source returned metadata for %q/%q", p.Artist, p.Title)
	}
	return res, nil
}

// lookupOne runs one source lookup under its breaker and timeout.
func (e *Enricher) lookupOne(ctx context.Context, src Source, q Query) (*Metadata, error) {
	cb := e.breakers[src.Name()]
	return cb.Execute(func() (*Metadata, error) {
		lctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return src.Lookup(lctx, q)
	})
}

// selectSources returns the configured sources filtered by the payload's
// requested subset, preserving configured priority order.
func (e *Enricher) selectSources(requested []string) []Source {
	if len(requested) == 0 {
		return e.sources
	}
	want := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		want[name] = struct{}{}
	}
	selected := make([]Source, 0, len(requested))
	for _, src := range e.sources {
		if _, ok := want[src.Name()]; ok {
			selected = append(selected, src)
		}
	}
	return selected
}

// mergeMetadata fills empty fields of dst from src. Answers are merged
// in priority order, so the first source to supply a field wins.
func mergeMetadata(dst, src *Metadata) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Artist == "" {
		dst.Artist = src.Artist
	}
	if dst.Album == "" {
		dst.Album = src.Album
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	if dst.Genre == "" {
		dst.Genre = src.Genre
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.ThumbnailURL == "" {
		dst.ThumbnailURL = src.ThumbnailURL
	}
	if dst.DirectorName == "" {
		dst.DirectorName = src.DirectorName
	}
}

// NewEnrich returns the task definition for metadata enrichment.
func NewEnrich(enricher *Enricher, logger *slog.Logger) *job.Definition[EnrichPayload] {
	return job.NewDefinition(TypeEnrich,
		func(ctx context.Context, rt *job.Runtime, p EnrichPayload) error {
			rt.Progress(ctx, 10, "querying sources")

			res, err := enricher.Enrich(ctx, p)
			if err != nil {
				return err
			}

			rt.Progress(ctx, 90, "merging metadata")
			logger.Info("enrichment completed",
				slog.String("media_id", p.MediaID),
				slog.Any("sources", res.Sources),
			)
			return rt.SetResult(res)
		},
		job.WithQueue("enrichment"),
	)
}
