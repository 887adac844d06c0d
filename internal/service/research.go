package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// errAllProvidersFailed signals that every configured provider failed to
// search a given subtopic (not just one of several).
var errAllProvidersFailed = errors.New("all providers failed for subtopic")

// ResearchProvider is a single search backend consulted during a research
// job's fan-out. Matches the "polymorphism over capability sets" design
// note (§9): every provider is interchangeable behind this one method.
type ResearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]model.ResearchSourceRef, error)
}

// ResearchJobStore is the storage gateway's research-job facet.
type ResearchJobStore interface {
	Create(ctx context.Context, j *model.ResearchJob) (*model.ResearchJob, error)
	Get(ctx context.Context, userID, jobID string) (*model.ResearchJob, error)
	Update(ctx context.Context, j *model.ResearchJob) error
	AppendSources(ctx context.Context, jobID string, refs []model.ResearchSourceRef) error
}

// SubtopicDispatcher fans a job's planned subtopics out for out-of-process
// execution via cloud.google.com/go/pubsub, mirroring the teacher's
// gcpclient wrapper pattern for other GCP SDKs. A nil dispatcher means
// subtopics are searched in-process instead (§6 "missing optional
// providers disable the corresponding feature").
type SubtopicDispatcher interface {
	DispatchSubtopic(ctx context.Context, jobID, subtopic string) error
}

// ResearchPlanner drafts a plan outline and final report sections from
// accumulated sources, via ModelGateway.
type ResearchPlanner interface {
	PlanOutline(ctx context.Context, topic string, depth model.ResearchDepth) ([]string, error)
	DraftSections(ctx context.Context, topic string, outline []string, sources []model.ResearchSourceRef) ([]model.ResearchSection, error)
}

// RetrievalIngester re-ingests the finished report into the retrieval
// pipeline (§4.6 "final report re-ingested"), matching PipelineService's
// chunk+embed+store path for a synthetic in-memory document.
type RetrievalIngester interface {
	IngestText(ctx context.Context, userID, title, text string) error
}

// ResearchCoordinator runs the job lifecycle described in §4.6:
// pending -> running -> {complete, failed}, concurrent per-provider
// fan-out via errgroup, URL dedup, credibility scoring, depth-bound
// timeouts, and cooperative cancellation at subtopic boundaries.
type ResearchCoordinator struct {
	store      ResearchJobStore
	providers  []ResearchProvider
	dispatcher SubtopicDispatcher
	planner    ResearchPlanner
	ingester   RetrievalIngester

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewResearchCoordinator creates a ResearchCoordinator.
func NewResearchCoordinator(store ResearchJobStore, providers []ResearchProvider, dispatcher SubtopicDispatcher, planner ResearchPlanner, ingester RetrievalIngester) *ResearchCoordinator {
	return &ResearchCoordinator{
		store:      store,
		providers:  providers,
		dispatcher: dispatcher,
		planner:    planner,
		ingester:   ingester,
		cancel:     make(map[string]context.CancelFunc),
	}
}

// Start creates the job and launches it in a detached goroutine bound to
// depth's time budget. The returned job reflects the "pending" row; status
// updates land via store.Update as the job progresses.
func (c *ResearchCoordinator) Start(ctx context.Context, userID, topic string, depth model.ResearchDepth, citationStyle string) (*model.ResearchJob, error) {
	job := &model.ResearchJob{
		UserID:        userID,
		Topic:         topic,
		Depth:         depth,
		CitationStyle: citationStyle,
		Status:        model.ResearchPending,
	}
	job, err := c.store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("service.Start: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), depth.TimeBudget())
	c.mu.Lock()
	c.cancel[job.ID] = cancel
	c.mu.Unlock()

	go c.run(runCtx, job)

	return job, nil
}

// Cancel requests cooperative cancellation; the job stops at the next
// subtopic boundary rather than mid-fetch (§4.6).
func (c *ResearchCoordinator) Cancel(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancel[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *ResearchCoordinator) run(ctx context.Context, job *model.ResearchJob) {
	defer func() {
		c.mu.Lock()
		delete(c.cancel, job.ID)
		c.mu.Unlock()
	}()

	job.Status = model.ResearchRunning
	if err := c.store.Update(ctx, job); err != nil {
		slog.Error("service.run: mark running", "job_id", job.ID, "error", err)
	}

	outline, err := c.planner.PlanOutline(ctx, job.Topic, job.Depth)
	if err != nil {
		c.fail(ctx, job, fmt.Errorf("plan outline: %w", err))
		return
	}
	job.PlanOutline = outline
	job.ProgressPercent = 10
	_ = c.store.Update(ctx, job)

	var allSources []model.ResearchSourceRef
	subtopicsFailed := 0
	for i, subtopic := range outline {
		select {
		case <-ctx.Done():
			job.Cancelled = true
			c.fail(ctx, job, ctx.Err())
			return
		default:
		}

		if c.dispatcher != nil {
			if err := c.dispatcher.DispatchSubtopic(ctx, job.ID, subtopic); err != nil {
				slog.Warn("service.run: dispatch subtopic failed, searching in-process", "job_id", job.ID, "subtopic", subtopic, "error", err)
			}
		}

		found, err := c.searchSubtopic(ctx, subtopic)
		if err != nil {
			slog.Warn("service.run: subtopic search failed", "job_id", job.ID, "subtopic", subtopic, "error", err)
			subtopicsFailed++
			continue
		}
		allSources = dedupSources(append(allSources, found...))

		job.ProgressPercent = 10 + (i+1)*60/max(len(outline), 1)
		_ = c.store.AppendSources(ctx, job.ID, found)
		_ = c.store.Update(ctx, job)
	}

	// §4.6 step 6: if every provider failed on every subtopic, the job
	// fails outright instead of completing on an empty source set, but
	// the outline already planned is preserved as a partial draft.
	if len(c.providers) > 0 && len(outline) > 0 && subtopicsFailed == len(outline) {
		partial := renderPartialReport(job.Topic, outline)
		job.FinalArtifact = &partial
		c.fail(ctx, job, errors.New("all research providers failed for every subtopic"))
		return
	}

	sort.Slice(allSources, func(i, j int) bool {
		return allSources[i].CredibilityScore > allSources[j].CredibilityScore
	})

	sections, err := c.planner.DraftSections(ctx, job.Topic, outline, allSources)
	if err != nil {
		c.fail(ctx, job, fmt.Errorf("draft sections: %w", err))
		return
	}
	job.Sections = sections
	job.Sources = allSources

	report := renderReport(job.Topic, sections, allSources, job.CitationStyle)
	job.FinalArtifact = &report
	words := len(strings.Fields(report))
	job.WordCount = &words
	job.ProgressPercent = 95
	job.Status = model.ResearchComplete
	_ = c.store.Update(ctx, job)

	if c.ingester != nil {
		if err := c.ingester.IngestText(ctx, job.UserID, "Research: "+job.Topic, report); err != nil {
			slog.Error("service.run: re-ingest report", "job_id", job.ID, "error", err)
			warn := "report generated but could not be added to your knowledge base"
			job.Warning = &warn
		}
	}
	job.ProgressPercent = 100
	_ = c.store.Update(ctx, job)
}

// searchSubtopic fans the subtopic out to every configured provider
// concurrently, exactly like retriever.go's vector+BM25 errgroup fan-out.
// It returns errAllProvidersFailed when every provider failed for this
// subtopic specifically (distinct from a partial failure, which is
// swallowed so the fan-out still returns whatever succeeded).
func (c *ResearchCoordinator) searchSubtopic(ctx context.Context, subtopic string) ([]model.ResearchSourceRef, error) {
	if len(c.providers) == 0 {
		return nil, nil
	}

	results := make([][]model.ResearchSourceRef, len(c.providers))
	var failures int32

	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range c.providers {
		i, p := i, p
		g.Go(func() error {
			found, err := p.Search(gCtx, subtopic)
			if err != nil {
				slog.Warn("service.searchSubtopic: provider failed", "provider", p.Name(), "error", err)
				atomic.AddInt32(&failures, 1)
				return nil // one provider failing doesn't fail the whole fan-out
			}
			results[i] = found
			return nil
		})
	}
	_ = g.Wait() // no Go func above ever returns a non-nil error

	var out []model.ResearchSourceRef
	for _, r := range results {
		out = append(out, r...)
	}

	if int(failures) == len(c.providers) {
		return out, errAllProvidersFailed
	}
	return out, nil
}

// renderPartialReport produces the "partial draft collected so far"
// (§4.6 step 6) when the job fails before any sections could be drafted:
// the outline it had already planned, with no content.
func renderPartialReport(topic string, outline []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s (incomplete — all sources failed)\n\n", topic)
	sb.WriteString("Planned sections:\n")
	for _, s := range outline {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return sb.String()
}

func (c *ResearchCoordinator) fail(ctx context.Context, job *model.ResearchJob, err error) {
	job.Status = model.ResearchFailed
	msg := err.Error()
	job.Warning = &msg
	if uerr := c.store.Update(ctx, job); uerr != nil {
		slog.Error("service.fail: persist failure", "job_id", job.ID, "error", uerr)
	}
}

// dedupSources drops duplicate URLs (normalized: scheme+host+path, no
// query/fragment), keeping the highest-credibility instance (§4.6).
func dedupSources(sources []model.ResearchSourceRef) []model.ResearchSourceRef {
	best := make(map[string]model.ResearchSourceRef)
	var order []string
	for _, s := range sources {
		key := normalizeURL(s.URL)
		existing, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = s
			continue
		}
		if s.CredibilityScore > existing.CredibilityScore {
			best[key] = s
		}
	}
	out := make([]model.ResearchSourceRef, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.ToLower(u.Scheme + "://" + u.Host + u.Path)
}

func renderReport(topic string, sections []model.ResearchSection, sources []model.ResearchSourceRef, citationStyle string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", topic)
	for _, s := range sections {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", s.Title, s.Content)
	}
	sb.WriteString("## Sources\n\n")
	for i, s := range sources {
		title := s.URL
		if s.Title != nil {
			title = *s.Title
		}
		fmt.Fprintf(&sb, "%d. %s — %s\n", i+1, title, s.URL)
	}
	_ = citationStyle // future: format entries per style (APA/MLA); single format today
	return sb.String()
}

// ScoreCredibility assigns a 0-100 credibility score to a source by
// publisher tag, a simple rubric over well-known domain categories (§4.6).
func ScoreCredibility(publisherTag string) int {
	switch publisherTag {
	case "academic", "government":
		return 90
	case "established_media":
		return 70
	case "reference":
		return 60
	case "blog", "forum":
		return 30
	default:
		return 45
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
