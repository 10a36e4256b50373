package domain

// Stage types of the evaluation pipeline.
const (
	StageFeedback = "feedback"
	StageRubric   = "rubric"
	StagePassFail = "pass_fail"
	StageVote     = "vote"
)

// Stage results.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// Status is the single coarse lifecycle vocabulary, derived from the
// pipeline rather than stored.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusDiscussion Status = "discussion"
	StatusReview     Status = "review"
	StatusReviewed   Status = "reviewed"
	StatusVoteActive Status = "vote_active"
	StatusVoteClosed Status = "vote_closed"
	StatusComplete   Status = "complete"
)

// Permission levels, ordered weakest to strongest.
type PermissionLevel string

const (
	LevelView        PermissionLevel = "view"
	LevelViewComment PermissionLevel = "view_comment"
	LevelFullAccess  PermissionLevel = "full_access"
)

// LevelRank orders permission levels; higher wins when deduplicating grants.
func LevelRank(l PermissionLevel) int {
	switch l {
	case LevelView:
		return 1
	case LevelViewComment:
		return 2
	case LevelFullAccess:
		return 3
	}
	return 0
}

type Space struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	Paid      bool   `json:"paid"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	SpaceID   string   `json:"space_id"`
	UserID    string   `json:"user_id"`
	Admin     bool     `json:"admin"`
	RoleIDs   []string `json:"role_ids,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Role struct {
	ID      string `json:"id"`
	SpaceID string `json:"space_id"`
	Name    string `json:"name"`
}

type Category struct {
	ID      string `json:"id"`
	SpaceID string `json:"space_id"`
	Title   string `json:"title"`
}

// CategoryAccess is one visible category plus the capabilities the viewer
// holds inside it.
type CategoryAccess struct {
	CategoryID string `json:"category_id"`
	Comment    bool   `json:"comment"`
	Vote       bool   `json:"vote"`
}

// Document is the page backing a proposal, or a descendant of one.
type Document struct {
	ID         string  `json:"id"`
	SpaceID    string  `json:"space_id"`
	ProposalID *string `json:"proposal_id,omitempty"`
	ParentID   *string `json:"parent_id,omitempty"`
	Path       string  `json:"path"`
	Title      string  `json:"title"`
	Deleted    bool    `json:"deleted"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// PendingReward is a reward queued on the proposal but not yet published.
type PendingReward struct {
	DraftID string `json:"draft_id"`
	Title   string `json:"title,omitempty"`
}

// ProposalFields is the typed side-channel previously kept as a free-form
// JSON bag. Version gates future schema changes.
type ProposalFields struct {
	Version        int             `json:"version"`
	PendingRewards []PendingReward `json:"pending_rewards,omitempty"`
	RewardIDs      []string        `json:"reward_ids,omitempty"`
}

func (f ProposalFields) HasPendingRewards() bool   { return len(f.PendingRewards) > 0 }
func (f ProposalFields) HasPublishedRewards() bool { return len(f.RewardIDs) > 0 }

type Proposal struct {
	ID          string         `json:"id"`
	SpaceID     string         `json:"space_id"`
	CreatedBy   string         `json:"created_by"`
	CategoryID  *string        `json:"category_id,omitempty"`
	Archived    bool           `json:"archived"`
	Fields      ProposalFields `json:"fields"`
	AuthorIDs   []string       `json:"author_ids,omitempty"`
	PublishedAt *string        `json:"published_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

func (p Proposal) Published() bool { return p.PublishedAt != nil }

// Reviewer is one eligibility descriptor on a stage: exactly one of a
// specific user, a specific role, or the whole space.
type Reviewer struct {
	UserID    *string `json:"user_id,omitempty"`
	RoleID    *string `json:"role_id,omitempty"`
	SpaceWide bool    `json:"space_wide,omitempty"`
}

type RubricCriterion struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
}

// VoteSettings configures a vote-type stage. External marks votes run on an
// outside network; those are never auto-created here.
type VoteSettings struct {
	Options      []string `json:"options"`
	DurationDays int      `json:"duration_days"`
	Threshold    int      `json:"threshold"`
	MaxChoices   int      `json:"max_choices"`
	Type         string   `json:"type,omitempty"`
	External     bool     `json:"external,omitempty"`
}

// EvaluationStage is one element of a proposal's pipeline. Index defines
// ordering and is contiguous from zero. Result stays nil until decided;
// DecidedBy and DecidedAt are set together with Result.
type EvaluationStage struct {
	ID         string            `json:"id"`
	ProposalID string            `json:"proposal_id"`
	Index      int               `json:"index"`
	Type       string            `json:"type" enum:"feedback,rubric,pass_fail,vote"`
	Title      string            `json:"title"`
	Result     *string           `json:"result,omitempty" enum:"pass,fail"`
	DecidedBy  *string           `json:"decided_by,omitempty"`
	DecidedAt  *string           `json:"decided_at,omitempty" format:"date-time"`
	Reviewers  []Reviewer        `json:"reviewers,omitempty"`
	Rubric     []RubricCriterion `json:"rubric,omitempty"`
	Vote       *VoteSettings     `json:"vote,omitempty"`
}

func (s EvaluationStage) Decided() bool { return s.Result != nil }

// Grant is one access-control entry on a document. Exactly one of UserID,
// RoleID, SpaceWide or Public is set. Public grants are user-managed and
// survive every projection run. InheritedFrom back-references the root grant
// a descendant clone was derived from.
type Grant struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	Level         PermissionLevel `json:"level" enum:"view,view_comment,full_access"`
	UserID        *string         `json:"user_id,omitempty"`
	RoleID        *string         `json:"role_id,omitempty"`
	SpaceWide     bool            `json:"space_wide,omitempty"`
	Public        bool            `json:"public,omitempty"`
	InheritedFrom *string         `json:"inherited_from,omitempty"`
}

// EventStatusChanged is the only event type the engine emits.
const EventStatusChanged = "proposal.status_changed"

// EventMeta records the transition an event captured.
type EventMeta struct {
	OldStageID *string `json:"old_stage_id,omitempty"`
	NewStageID *string `json:"new_stage_id,omitempty"`
	OldStatus  string  `json:"old_status,omitempty"`
	NewStatus  string  `json:"new_status,omitempty"`
}

// WorkspaceEvent is an immutable audit record; the sole input to
// notification derivation.
type WorkspaceEvent struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	SpaceID    string    `json:"space_id"`
	ProposalID string    `json:"proposal_id"`
	DocumentID string    `json:"document_id"`
	ActorID    string    `json:"actor_id"`
	Meta       EventMeta `json:"meta"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
}

type Vote struct {
	ID           string   `json:"id"`
	EvaluationID string   `json:"evaluation_id"`
	DocumentID   string   `json:"document_id"`
	SpaceID      string   `json:"space_id"`
	Options      []string `json:"options"`
	Threshold    int      `json:"threshold"`
	MaxChoices   int      `json:"max_choices"`
	Type         string   `json:"type,omitempty"`
	Deadline     string   `json:"deadline" format:"date-time"`
	Status       string   `json:"status" enum:"open,passed,rejected"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// RubricScore is one reviewer's answer for one rubric criterion.
type RubricScore struct {
	ID             string `json:"id"`
	EvaluationID   string `json:"evaluation_id"`
	CriterionIndex int    `json:"criterion_index"`
	ReviewerID     string `json:"reviewer_id"`
	Score          int    `json:"score"`
	Comment        string `json:"comment,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// NotificationTask is derived per read; only seen-state persists.
type NotificationTask struct {
	EventID       int64  `json:"event_id"`
	Action        string `json:"action"`
	ProposalID    string `json:"proposal_id"`
	DocumentID    string `json:"document_id"`
	DocumentPath  string `json:"document_path"`
	DocumentTitle string `json:"document_title"`
	SpaceID       string `json:"space_id"`
	SpaceDomain   string `json:"space_domain"`
	SpaceName     string `json:"space_name"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}
