package job

import "time"

// Patch is a merge-patch over a Record: nil fields are left untouched,
// non-nil fields replace the stored value wholesale (last write wins).
// BranchByRepo merges per key rather than replacing the whole map, so two
// repos prepared at different moments both survive.
type Patch struct {
	Status        *Status
	BranchByRepo  map[string]string
	DeleteAt      *time.Time
	ClearDeleteAt bool
	Summary       *string
	MergeRequests []MergeRequest
	Error         *string
	OpenQuestions []string
	AgentThreads  map[string]string
}

// Apply merges the patch into rec and stamps UpdatedAt.
func (p Patch) Apply(rec *Record, now time.Time) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if len(p.BranchByRepo) > 0 {
		if rec.BranchByRepo == nil {
			rec.BranchByRepo = make(map[string]string, len(p.BranchByRepo))
		}
		for key, branch := range p.BranchByRepo {
			rec.BranchByRepo[key] = branch
		}
	}
	if p.ClearDeleteAt {
		rec.DeleteAt = nil
	} else if p.DeleteAt != nil {
		t := p.DeleteAt.UTC()
		rec.DeleteAt = &t
	}
	if p.Summary != nil {
		rec.Summary = *p.Summary
	}
	if p.MergeRequests != nil {
		rec.MergeRequests = p.MergeRequests
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.OpenQuestions != nil {
		rec.OpenQuestions = p.OpenQuestions
	}
	if len(p.AgentThreads) > 0 {
		if rec.Job.AgentThreads == nil {
			rec.Job.AgentThreads = make(map[string]string, len(p.AgentThreads))
		}
		for agent, thread := range p.AgentThreads {
			rec.Job.AgentThreads[agent] = thread
		}
	}
	rec.UpdatedAt = now.UTC()
}

// StatusPatch is a convenience constructor for the common status-only patch.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}
