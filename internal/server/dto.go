package server

import (
	"agora/internal/domain"
	"agora/internal/engine"
)

// Request payloads

type CreateSpaceRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

type ReviewerRequest struct {
	UserID    *string `json:"user_id,omitempty"`
	RoleID    *string `json:"role_id,omitempty"`
	SpaceWide bool    `json:"space_wide,omitempty"`
}

type CriterionRequest struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
}

type VoteSettingsRequest struct {
	Options      []string `json:"options,omitempty"`
	DurationDays int      `json:"duration_days,omitempty"`
	Threshold    int      `json:"threshold,omitempty"`
	MaxChoices   int      `json:"max_choices,omitempty"`
	Type         string   `json:"type,omitempty"`
	External     bool     `json:"external,omitempty"`
}

type StageRequest struct {
	Index     int                  `json:"index"`
	Type      string               `json:"type" enum:"feedback,rubric,pass_fail,vote"`
	Title     string               `json:"title,omitempty"`
	Reviewers []ReviewerRequest    `json:"reviewers,omitempty"`
	Rubric    []CriterionRequest   `json:"rubric,omitempty"`
	Vote      *VoteSettingsRequest `json:"vote,omitempty"`
}

type CreateProposalRequest struct {
	ID         string         `json:"id,omitempty"`
	CategoryID string         `json:"category_id,omitempty"`
	Title      string         `json:"title"`
	Path       string         `json:"path,omitempty"`
	ParentDoc  string         `json:"parent_document_id,omitempty"`
	Authors    []string       `json:"authors,omitempty"`
	Stages     []StageRequest `json:"stages,omitempty"`
}

type SubmitResultRequest struct {
	Result string `json:"result" enum:"pass,fail"`
}

type CloseVoteRequest struct {
	Outcome string `json:"outcome" enum:"passed,rejected"`
}

type UpdateReviewersRequest struct {
	Reviewers []ReviewerRequest `json:"reviewers"`
}

type UpdateFieldsRequest struct {
	Fields domain.ProposalFields `json:"fields"`
}

type AddAuthorRequest struct {
	UserID string `json:"user_id"`
}

type SetArchivedRequest struct {
	Archived bool `json:"archived"`
}

type SubmitScoreRequest struct {
	CriterionIndex int    `json:"criterion_index"`
	Score          int    `json:"score"`
	Comment        string `json:"comment,omitempty"`
}

type CreateKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type MarkSeenRequest struct {
	EventIDs []int64 `json:"event_ids"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status" enum:"draft,discussion,review,reviewed,vote_active,vote_closed,complete"`
}

type FlowResponse struct {
	Flags map[domain.Status]bool `json:"flags"`
}

type CreatedKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKeyResponse omits the stored hash.
type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NotificationsResponse struct {
	Tasks []domain.NotificationTask `json:"tasks"`
}

type MeResponse struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type proposalList struct {
	Items []domain.Proposal `json:"items"`
}

type stageList struct {
	Items []domain.EvaluationStage `json:"items"`
}

type grantList struct {
	Items []domain.Grant `json:"items"`
}

type scoreList struct {
	Items []domain.RubricScore `json:"items"`
}

type eventList struct {
	Items      []domain.WorkspaceEvent `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type keyList struct {
	Items []APIKeyResponse `json:"items"`
}

type spaceList struct {
	Items []domain.Space `json:"items"`
}

// Conversion helpers

func reviewersFromRequest(in []ReviewerRequest) []domain.Reviewer {
	out := make([]domain.Reviewer, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Reviewer{UserID: r.UserID, RoleID: r.RoleID, SpaceWide: r.SpaceWide})
	}
	return out
}

func rubricFromRequest(in []CriterionRequest) []domain.RubricCriterion {
	out := make([]domain.RubricCriterion, 0, len(in))
	for _, c := range in {
		out = append(out, domain.RubricCriterion{Index: c.Index, Title: c.Title, Min: c.Min, Max: c.Max})
	}
	return out
}

func voteFromRequest(in *VoteSettingsRequest) *domain.VoteSettings {
	if in == nil {
		return nil
	}
	return &domain.VoteSettings{
		Options:      in.Options,
		DurationDays: in.DurationDays,
		Threshold:    in.Threshold,
		MaxChoices:   in.MaxChoices,
		Type:         in.Type,
		External:     in.External,
	}
}

func stageSpecsFromRequest(in []StageRequest) []engine.StageSpec {
	out := make([]engine.StageSpec, 0, len(in))
	for _, s := range in {
		out = append(out, engine.StageSpec{
			Index:     s.Index,
			Type:      s.Type,
			Title:     s.Title,
			Reviewers: reviewersFromRequest(s.Reviewers),
			Rubric:    rubricFromRequest(s.Rubric),
			Vote:      voteFromRequest(s.Vote),
		})
	}
	return out
}

func keyResponses(in []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, 0, len(in))
	for _, k := range in {
		out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
