package projector_test

import (
	"context"
	"database/sql"
	"sort"
	"testing"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine/projector"
	"agora/internal/migrate"
	"agora/internal/repo"
)

type env struct {
	DB   *sql.DB
	Repo repo.Repo
	Proj projector.Projector
	Ctx  context.Context
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return env{
		DB:   conn,
		Repo: r,
		Proj: projector.Projector{Repo: r, Config: config.Default("space-1")},
		Ctx:  context.Background(),
	}
}

const now = "2026-01-01T00:00:00Z"

func strPtr(s string) *string { return &s }

// seedReviewProposal creates a published proposal sitting in its pass_fail
// stage with authors=[alice], reviewers=[bob, role-x].
func seedReviewProposal(t *testing.T, e env, children int) (proposalID, rootDoc string, childDocs []string) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSpace(e.Ctx, tx, domain.Space{ID: "space-1", Name: "s", Domain: "s.example", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	proposalID = "p1"
	rootDoc = "d-root"
	pub := now
	if err := e.Repo.InsertDocumentTx(e.Ctx, tx, domain.Document{
		ID: rootDoc, SpaceID: "space-1", ProposalID: &proposalID, Path: "/p1", Title: "root", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < children; i++ {
		id := "d-child-" + string(rune('a'+i))
		childDocs = append(childDocs, id)
		if err := e.Repo.InsertDocumentTx(e.Ctx, tx, domain.Document{
			ID: id, SpaceID: "space-1", ParentID: &rootDoc, Path: "/p1/" + id, Title: id, CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Repo.InsertProposalTx(e.Ctx, tx, domain.Proposal{
		ID: proposalID, SpaceID: "space-1", CreatedBy: "alice",
		Fields: domain.ProposalFields{Version: 1}, PublishedAt: &pub, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertStageTx(e.Ctx, tx, domain.EvaluationStage{
		ID: "s0", ProposalID: proposalID, Index: 0, Type: domain.StagePassFail, Title: "screen",
		Reviewers: []domain.Reviewer{{UserID: strPtr("bob")}, {RoleID: strPtr("role-x")}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return proposalID, rootDoc, childDocs
}

func run(t *testing.T, e env, proposalID string) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := e.Proj.Run(e.Ctx, tx, proposalID); err != nil {
		t.Fatalf("project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// The review policy puts authors at full_access, reviewers at view_comment
// and the community at view.
func TestReviewStatusGrants(t *testing.T) {
	e := newEnv(t)
	pID, root, _ := seedReviewProposal(t, e, 0)
	run(t, e, pID)

	grants, err := e.Repo.ListGrants(e.Ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 4 {
		t.Fatalf("expected 4 root grants, got %d: %+v", len(grants), grants)
	}
	byKey := map[string]domain.Grant{}
	for _, g := range grants {
		switch {
		case g.UserID != nil:
			byKey["u:"+*g.UserID] = g
		case g.RoleID != nil:
			byKey["r:"+*g.RoleID] = g
		case g.SpaceWide:
			byKey["space"] = g
		}
	}
	if g := byKey["u:alice"]; g.Level != domain.LevelFullAccess {
		t.Fatalf("author level wrong: %+v", g)
	}
	if g := byKey["u:bob"]; g.Level != domain.LevelViewComment {
		t.Fatalf("reviewer level wrong: %+v", g)
	}
	if g := byKey["r:role-x"]; g.Level != domain.LevelViewComment {
		t.Fatalf("role reviewer level wrong: %+v", g)
	}
	if g := byKey["space"]; g.Level != domain.LevelView {
		t.Fatalf("community level wrong: %+v", g)
	}
}

// Running the projector twice with unchanged inputs leaves the same
// effective grant set.
func TestProjectionIdempotent(t *testing.T) {
	e := newEnv(t)
	pID, root, _ := seedReviewProposal(t, e, 1)
	run(t, e, pID)
	first := snapshot(t, e, root)
	run(t, e, pID)
	second := snapshot(t, e, root)
	if len(first) != len(second) {
		t.Fatalf("grant count changed: %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("grant set changed at %d: %v -> %v", i, first[i], second[i])
		}
	}
}

// snapshot returns "principal/level" pairs sorted, ignoring row ids.
func snapshot(t *testing.T, e env, docID string) []string {
	t.Helper()
	grants, err := e.Repo.ListGrants(e.Ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, g := range grants {
		key := "space"
		switch {
		case g.UserID != nil:
			key = "u:" + *g.UserID
		case g.RoleID != nil:
			key = "r:" + *g.RoleID
		case g.Public:
			key = "public"
		}
		keys = append(keys, key+"/"+string(g.Level))
	}
	sort.Strings(keys)
	return keys
}

func TestPublicGrantsSurvive(t *testing.T) {
	e := newEnv(t)
	pID, root, _ := seedReviewProposal(t, e, 0)
	if err := e.Repo.InsertPublicGrant(e.Ctx, root, domain.LevelView, "pub-1"); err != nil {
		t.Fatal(err)
	}
	run(t, e, pID)
	run(t, e, pID)

	grants, err := e.Repo.ListGrants(e.Ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, g := range grants {
		if g.ID == "pub-1" {
			if !g.Public || g.Level != domain.LevelView {
				t.Fatalf("public grant mutated: %+v", g)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("public grant deleted by projection: %+v", grants)
	}
}

// Descendant documents get clones of every root grant with a back-reference
// to the root grant they derive from.
func TestDescendantClones(t *testing.T) {
	e := newEnv(t)
	pID, root, children := seedReviewProposal(t, e, 2)
	run(t, e, pID)

	rootGrants, err := e.Repo.ListGrants(e.Ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	rootIDs := map[string]bool{}
	for _, g := range rootGrants {
		rootIDs[g.ID] = true
	}
	for _, child := range children {
		grants, err := e.Repo.ListGrants(e.Ctx, child)
		if err != nil {
			t.Fatal(err)
		}
		if len(grants) != len(rootGrants) {
			t.Fatalf("child %s has %d grants, root has %d", child, len(grants), len(rootGrants))
		}
		for _, g := range grants {
			if g.InheritedFrom == nil || !rootIDs[*g.InheritedFrom] {
				t.Fatalf("child grant without valid back-reference: %+v", g)
			}
		}
	}
}

func TestMissingProposalFailsBeforeMutation(t *testing.T) {
	e := newEnv(t)
	pID, root, _ := seedReviewProposal(t, e, 0)
	run(t, e, pID)
	before := snapshot(t, e, root)

	tx, err := e.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Proj.Run(e.Ctx, tx, "missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
	tx.Rollback()

	after := snapshot(t, e, root)
	if len(before) != len(after) {
		t.Fatalf("grants mutated by failed run")
	}
}
