package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ResearchJobRepo implements service.ResearchJobStore over Postgres.
type ResearchJobRepo struct {
	pool *pgxpool.Pool
}

// NewResearchJobRepo creates a ResearchJobRepo.
func NewResearchJobRepo(pool *pgxpool.Pool) *ResearchJobRepo {
	return &ResearchJobRepo{pool: pool}
}

var _ service.ResearchJobStore = (*ResearchJobRepo)(nil)

func (r *ResearchJobRepo) Create(ctx context.Context, j *model.ResearchJob) (*model.ResearchJob, error) {
	outline, err := json.Marshal(j.PlanOutline)
	if err != nil {
		return nil, fmt.Errorf("repository.Create: encode outline: %w", err)
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO research_jobs (user_id, topic, depth, citation_style, status, progress_percent, plan_outline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, j.UserID, j.Topic, j.Depth, j.CitationStyle, j.Status, j.ProgressPercent, outline,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.Create: %w", err)
	}
	return j, nil
}

func (r *ResearchJobRepo) Get(ctx context.Context, userID, jobID string) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var outline, sections []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, topic, depth, citation_style, status, progress_percent,
		       plan_outline, sections, word_count, final_artifact, warning, cancelled,
		       created_at, updated_at
		FROM research_jobs
		WHERE id = $1 AND user_id = $2
	`, jobID, userID).Scan(&j.ID, &j.UserID, &j.Topic, &j.Depth, &j.CitationStyle, &j.Status,
		&j.ProgressPercent, &outline, &sections, &j.WordCount, &j.FinalArtifact, &j.Warning,
		&j.Cancelled, &j.CreatedAt, &j.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Get: %w", err)
	}
	if len(outline) > 0 {
		_ = json.Unmarshal(outline, &j.PlanOutline)
	}
	if len(sections) > 0 {
		_ = json.Unmarshal(sections, &j.Sections)
	}
	j.Sources, err = r.listSources(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *ResearchJobRepo) Update(ctx context.Context, j *model.ResearchJob) error {
	outline, err := json.Marshal(j.PlanOutline)
	if err != nil {
		return fmt.Errorf("repository.Update: encode outline: %w", err)
	}
	sections, err := json.Marshal(j.Sections)
	if err != nil {
		return fmt.Errorf("repository.Update: encode sections: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = $3, progress_percent = $4, plan_outline = $5, sections = $6,
		    word_count = $7, final_artifact = $8, warning = $9, cancelled = $10, updated_at = now()
		WHERE id = $1 AND user_id = $2
	`, j.ID, j.UserID, j.Status, j.ProgressPercent, outline, sections,
		j.WordCount, j.FinalArtifact, j.Warning, j.Cancelled)
	if err != nil {
		return fmt.Errorf("repository.Update: %w", err)
	}
	return nil
}

// AppendSources inserts deduplicated source refs for a job.
func (r *ResearchJobRepo) AppendSources(ctx context.Context, jobID string, refs []model.ResearchSourceRef) error {
	for _, ref := range refs {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO research_source_refs (job_id, url, title, snippet, credibility_score, publisher_tag)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING
		`, jobID, ref.URL, ref.Title, ref.Snippet, ref.CredibilityScore, ref.PublisherTag)
		if err != nil {
			return fmt.Errorf("repository.AppendSources: %w", err)
		}
	}
	return nil
}

func (r *ResearchJobRepo) listSources(ctx context.Context, jobID string) ([]model.ResearchSourceRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, url, title, snippet, credibility_score, publisher_tag, retrieved_at
		FROM research_source_refs
		WHERE job_id = $1
		ORDER BY credibility_score DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("repository.listSources: %w", err)
	}
	defer rows.Close()

	var out []model.ResearchSourceRef
	for rows.Next() {
		var s model.ResearchSourceRef
		if err := rows.Scan(&s.ID, &s.JobID, &s.URL, &s.Title, &s.Snippet,
			&s.CredibilityScore, &s.PublisherTag, &s.RetrievedAt); err != nil {
			return nil, fmt.Errorf("repository.listSources: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
