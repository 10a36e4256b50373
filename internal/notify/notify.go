// Package notify derives per-user tasks from the workspace event log. Tasks
// are computed fresh on every read; only seen-state persists.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"agora/internal/domain"
	"agora/internal/pipeline"
	"agora/internal/repo"
)

// Directory resolves the user's space memberships.
type Directory interface {
	SpacesOf(ctx context.Context, userID string) ([]repo.Membership, error)
}

// Categories is the per-space visibility lookup. A failing lookup drops the
// whole space from the result, never defaults to visible.
type Categories interface {
	VisibleCategories(ctx context.Context, spaceID, viewerID string) ([]domain.CategoryAccess, error)
}

// Store is the proposal and document state the generator reads.
type Store interface {
	ListProposalsByDocuments(ctx context.Context, documentIDs, spaceIDs []string) ([]domain.Proposal, error)
	ListStages(ctx context.Context, proposalID string) ([]domain.EvaluationStage, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	GetDocumentByProposal(ctx context.Context, proposalID string) (domain.Document, error)
	GetSpace(ctx context.Context, id string) (domain.Space, error)
	GetVoteByEvaluation(ctx context.Context, evaluationID string) (domain.Vote, error)
}

// Generator turns audit events into de-duplicated notification tasks.
type Generator struct {
	Store      Store
	Directory  Directory
	Categories Categories
	Limiter    *rate.Limiter
	Workers    int
}

// Result carries the emitted tasks plus every event id the call consumed,
// so callers can mark superseded events seen without surfacing them.
type Result struct {
	Tasks            []domain.NotificationTask
	ConsumedEventIDs []int64
}

type spaceAccess struct {
	membership repo.Membership
	categories map[string]domain.CategoryAccess
}

// TasksFor folds the events per document, resolves the user's visible
// proposals across their spaces and classifies each retained event into at
// most one task.
func (g Generator) TasksFor(ctx context.Context, userID string, events []domain.WorkspaceEvent) (Result, error) {
	var res Result
	if len(events) == 0 {
		return res, nil
	}

	// newest first; older events for the same document are consumed
	sorted := append([]domain.WorkspaceEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		}
		return sorted[i].ID > sorted[j].ID
	})
	latest := map[string]domain.WorkspaceEvent{}
	for _, ev := range sorted {
		if _, seen := latest[ev.DocumentID]; seen {
			res.ConsumedEventIDs = append(res.ConsumedEventIDs, ev.ID)
			continue
		}
		latest[ev.DocumentID] = ev
	}

	memberships, err := g.Directory.SpacesOf(ctx, userID)
	if err != nil {
		return res, err
	}
	access := g.fetchAccess(ctx, userID, memberships)
	if len(access) == 0 {
		return res, nil
	}

	var docIDs, spaceIDs []string
	for _, ev := range latest {
		docIDs = append(docIDs, ev.DocumentID)
	}
	for spaceID := range access {
		spaceIDs = append(spaceIDs, spaceID)
	}
	proposals, err := g.Store.ListProposalsByDocuments(ctx, docIDs, spaceIDs)
	if err != nil {
		return res, err
	}

	byDoc := map[string]domain.Proposal{}
	for _, p := range proposals {
		doc, err := g.Store.GetDocumentByProposal(ctx, p.ID)
		if err != nil {
			continue
		}
		byDoc[doc.ID] = p
	}

	for docID, ev := range latest {
		p, ok := byDoc[docID]
		if !ok {
			continue
		}
		task, ok, err := g.classify(ctx, userID, ev, p, access[p.SpaceID])
		if err != nil {
			return res, err
		}
		if ok {
			res.Tasks = append(res.Tasks, task)
		}
	}
	sort.Slice(res.Tasks, func(i, j int) bool { return res.Tasks[i].EventID > res.Tasks[j].EventID })
	return res, nil
}

// fetchAccess resolves visible categories per space, rate-limited and
// bounded by Workers. A space whose lookup fails is dropped entirely.
func (g Generator) fetchAccess(ctx context.Context, userID string, memberships []repo.Membership) map[string]spaceAccess {
	access := map[string]spaceAccess{}
	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	workers := g.Workers
	if workers <= 0 {
		workers = 4
	}
	grp.SetLimit(workers)
	for _, m := range memberships {
		m := m
		grp.Go(func() error {
			if g.Limiter != nil {
				if err := g.Limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			cats, err := g.Categories.VisibleCategories(gctx, m.SpaceID, userID)
			if err != nil {
				// fail closed: omit the space, keep the rest
				return nil
			}
			byID := map[string]domain.CategoryAccess{}
			for _, c := range cats {
				byID[c.CategoryID] = c
			}
			mu.Lock()
			access[m.SpaceID] = spaceAccess{membership: m, categories: byID}
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()
	return access
}

func (g Generator) classify(ctx context.Context, userID string, ev domain.WorkspaceEvent, p domain.Proposal, acc spaceAccess) (domain.NotificationTask, bool, error) {
	// revert-to-draft transitions notify no one
	if ev.Meta.NewStatus == string(domain.StatusDraft) {
		return domain.NotificationTask{}, false, nil
	}

	stages, err := g.Store.ListStages(ctx, p.ID)
	if err != nil {
		return domain.NotificationTask{}, false, err
	}
	flags := g.roleFlags(userID, p, acc)
	flags.IsReviewer = reviewerFlags(userID, acc.membership.RoleIDs, stages)

	// visible: category in the visible set, or the user is creator, author
	// or reviewer; never default to visible
	visible := flags.IsAuthor || flags.IsReviewer
	if !visible && p.CategoryID != nil {
		_, visible = acc.categories[*p.CategoryID]
	}
	if !visible {
		return domain.NotificationTask{}, false, nil
	}

	view := pipeline.View{
		Stages:              stages,
		HasPendingRewards:   p.Fields.HasPendingRewards(),
		HasPublishedRewards: p.Fields.HasPublishedRewards(),
	}
	if cur := pipeline.CurrentStage(stages); cur != nil && cur.Type == domain.StageVote {
		v, err := g.Store.GetVoteByEvaluation(ctx, cur.ID)
		if err == nil && v.Status == "open" {
			view.VoteOpen = true
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.NotificationTask{}, false, err
		}
	}

	action := pipeline.ResolveAction(view, flags)
	if action == "" {
		return domain.NotificationTask{}, false, nil
	}

	doc, err := g.Store.GetDocument(ctx, ev.DocumentID)
	if err != nil {
		return domain.NotificationTask{}, false, err
	}
	space, err := g.Store.GetSpace(ctx, ev.SpaceID)
	if err != nil {
		return domain.NotificationTask{}, false, err
	}
	return domain.NotificationTask{
		EventID:       ev.ID,
		Action:        action,
		ProposalID:    p.ID,
		DocumentID:    doc.ID,
		DocumentPath:  doc.Path,
		DocumentTitle: doc.Title,
		SpaceID:       space.ID,
		SpaceDomain:   space.Domain,
		SpaceName:     space.Name,
		ActorID:       ev.ActorID,
		CreatedAt:     ev.CreatedAt,
	}, true, nil
}

// roleFlags derives the viewer's relationship to the proposal. Comment and
// vote capabilities come from the category policy; authors can always
// comment on their own proposals.
func (g Generator) roleFlags(userID string, p domain.Proposal, acc spaceAccess) pipeline.RoleFlags {
	flags := pipeline.RoleFlags{}
	if p.CreatedBy == userID {
		flags.IsAuthor = true
	}
	for _, a := range p.AuthorIDs {
		if a == userID {
			flags.IsAuthor = true
		}
	}
	if p.CategoryID != nil {
		if c, ok := acc.categories[*p.CategoryID]; ok {
			flags.CanComment = c.Comment
			flags.IsVoter = c.Vote
		}
	}
	if flags.IsAuthor {
		flags.CanComment = true
	}
	return flags
}

func reviewerFlags(userID string, roleIDs []string, stages []domain.EvaluationStage) bool {
	roles := map[string]bool{}
	for _, r := range roleIDs {
		roles[r] = true
	}
	for _, s := range stages {
		for _, rev := range s.Reviewers {
			switch {
			case rev.UserID != nil && *rev.UserID == userID:
				return true
			case rev.RoleID != nil && roles[*rev.RoleID]:
				return true
			case rev.SpaceWide:
				return true
			}
		}
	}
	return false
}
