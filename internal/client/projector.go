package client

import (
	"strings"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
)

// CompletionKey names one terminal write of a job. A slot keeps its job id
// across resubmissions, so the id alone cannot tell two completions apart.
func CompletionKey(job domain.Job) string {
	return job.ID + "@" + job.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

var statusRank = map[string]int{
	domain.GenerationDrafting:  0,
	domain.GenerationVisuals:   1,
	domain.GenerationPreflight: 2,
	domain.GenerationFilming:   3,
	domain.GenerationReady:     4,
}

// Projection is the generation state derived from job completions. Apply is
// idempotent per completion: replaying an event never changes the result
// or the cost twice.
type Projection struct {
	Status    string
	FilmID    string
	Snapshot  domain.Snapshot
	CostTotal float64
}

func NewProjection(g domain.Generation) *Projection {
	p := &Projection{
		Status:    g.Status,
		FilmID:    g.FilmID,
		Snapshot:  g.Snapshot,
		CostTotal: g.CostTotal,
	}
	if p.Status == "" {
		p.Status = domain.GenerationDrafting
	}
	p.Snapshot.AppliedJobIDs = append([]string(nil), g.Snapshot.AppliedJobIDs...)
	return p
}

func (p *Projection) Applied(job domain.Job) bool {
	return p.Snapshot.Applied(CompletionKey(job))
}

// Apply folds a terminal job into the projection and reports whether it
// changed anything.
func (p *Projection) Apply(job domain.Job) bool {
	if !job.Terminal() || p.Applied(job) {
		return false
	}

	if job.Status == domain.JobStatusCompleted {
		p.applyResult(job)
		p.CostTotal += job.Result.Float(domain.ResultCostUSD)
	}
	p.consume(job)
	return true
}

func (p *Projection) applyResult(job domain.Job) {
	result := job.Result.Clone()
	switch job.Type {
	case domain.JobTypeStory:
		p.Snapshot.Story = result
	case domain.JobTypeCharacter, domain.JobTypeLocation, domain.JobTypeKeyMoment,
		domain.JobTypeSceneImages, domain.JobTypeAssetImage:
		if p.Snapshot.Images == nil {
			p.Snapshot.Images = make(map[string]domain.Result)
		}
		p.Snapshot.Images[string(job.Type)+":"+job.TargetID] = result
		p.advance(domain.GenerationVisuals)
	case domain.JobTypeClip:
		if p.Snapshot.Clips == nil {
			p.Snapshot.Clips = make(map[string]domain.Result)
		}
		p.Snapshot.Clips[job.TargetID] = result
		p.advance(domain.GenerationFilming)
	case domain.JobTypeFilm:
		p.Snapshot.Film = result
		if filmID := result.String("film_id"); filmID != "" {
			p.FilmID = filmID
		}
		p.advance(domain.GenerationReady)
	}
}

// consume records the completion and drops older completions of the same
// job so the list stays one entry per job.
func (p *Projection) consume(job domain.Job) {
	prefix := job.ID + "@"
	kept := p.Snapshot.AppliedJobIDs[:0]
	for _, key := range p.Snapshot.AppliedJobIDs {
		if !strings.HasPrefix(key, prefix) {
			kept = append(kept, key)
		}
	}
	p.Snapshot.AppliedJobIDs = append(kept, CompletionKey(job))
}

func (p *Projection) advance(status string) {
	if statusRank[status] > statusRank[p.Status] {
		p.Status = status
	}
}

// Domain returns a copy safe to hand to another goroutine.
func (p *Projection) Domain() domain.Projection {
	snap := domain.Snapshot{
		Story:         p.Snapshot.Story.Clone(),
		Film:          p.Snapshot.Film.Clone(),
		Images:        cloneResults(p.Snapshot.Images),
		Clips:         cloneResults(p.Snapshot.Clips),
		AppliedJobIDs: append([]string(nil), p.Snapshot.AppliedJobIDs...),
	}
	return domain.Projection{
		Status:    p.Status,
		FilmID:    p.FilmID,
		Snapshot:  snap,
		CostTotal: p.CostTotal,
	}
}

func cloneResults(in map[string]domain.Result) map[string]domain.Result {
	if in == nil {
		return nil
	}
	out := make(map[string]domain.Result, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
