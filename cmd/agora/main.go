package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"agora/internal/app"
	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/migrate"
	"agora/internal/notify"
	"agora/internal/repo"
	"agora/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Agora CLI",
	Long: `Agora runs proposal evaluation pipelines and keeps document permissions in sync.
Core concepts:
- Space: a community workspace; every proposal, document and event belongs to one.
- Proposal: a published idea with a backing document and an evaluation pipeline.
- Pipeline: ordered stages (feedback, rubric, pass_fail, vote); the first undecided
  stage plus the publish state derive the lifecycle status.
- Grants: per-document access entries projected from the status policy; they cover
  the document's whole subtree and are recomputed on every transition.
- Votes: created automatically when the pipeline lands on a vote stage, closed with
  an explicit outcome.
- Inbox: tasks derived from unseen events, one per document, newest wins.
- Event log: append-only audit of status transitions, view with 'agora log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("space", "", "space id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("space", rootCmd.PersistentFlags().Lookup("space"))
}

func registerCommands() {
	rootCmd.AddCommand(spaceCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(grantsCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func spaceCmd() *cobra.Command {
	sp := &cobra.Command{Use: "space", Short: "Manage spaces"}
	sp.AddCommand(spaceInitCmd())
	sp.AddCommand(spaceListCmd())
	sp.AddCommand(spaceShowCmd())
	sp.AddCommand(spaceUseCmd())
	sp.AddCommand(spaceConfigCmd())
	sp.AddCommand(spaceMemberCmd())
	return sp
}

func spaceInitCmd() *cobra.Command {
	var id, name, domainName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a space",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			s, err := e.InitSpace(cmd.Context(), id, name, domainName, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "space id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&domainName, "domain", "", "space domain")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func spaceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSpaces(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func spaceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSpace(ctx, e.Config.Space.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func spaceUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current space for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spaceID := strings.TrimSpace(args[0])
			if spaceID == "" {
				return fmt.Errorf("space id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "AGORA_SPACE", spaceID); err != nil {
				return err
			}
			fmt.Printf("Set AGORA_SPACE=%s in %s/.env\n", spaceID, workspace)
			return nil
		},
	}
	return cmd
}

func spaceConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage space config"}
	cfg.AddCommand(spaceConfigShowCmd())
	cfg.AddCommand(spaceConfigImportCmd())
	cfg.AddCommand(spaceConfigValidateCmd())
	return cfg
}

func spaceConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func spaceConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import space config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				spaceID := cfg.Space.ID
				if spaceID == "" {
					spaceID = e.Config.Space.ID
				}
				raw, err := json.Marshal(cfg)
				if err != nil {
					return err
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertSpaceConfig(ctx, tx, spaceID, string(raw), now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func spaceConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func spaceMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage space members"}
	member.AddCommand(spaceMemberAddCmd())
	return member
}

func spaceMemberAddCmd() *cobra.Command {
	var userID string
	var admin bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member to the current space",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureMember(ctx, tx, e.Config.Space.ID, userID, admin, now); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin")
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals carry a backing document and an evaluation pipeline. They start as drafts, get published for review, and move through their stages until complete.",
	}
	prop.AddCommand(proposalCreateCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalGetCmd())
	prop.AddCommand(proposalPublishCmd())
	prop.AddCommand(proposalArchiveCmd())
	prop.AddCommand(proposalStatusCmd())
	prop.AddCommand(proposalFlowCmd())
	prop.AddCommand(proposalStagesCmd())
	prop.AddCommand(proposalFieldsCmd())
	prop.AddCommand(proposalAuthorCmd())
	return prop
}

func proposalCreateCmd() *cobra.Command {
	var opts engine.ProposalCreateOptions
	var authors []string
	var stagesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.AuthorIDs = authors
			if stagesJSON != "" {
				data := []byte(stagesJSON)
				if !strings.HasPrefix(strings.TrimSpace(stagesJSON), "[") {
					var err error
					data, err = os.ReadFile(stagesJSON)
					if err != nil {
						return err
					}
				}
				if err := json.Unmarshal(data, &opts.Stages); err != nil {
					return fmt.Errorf("parse stages: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SpaceID == "" {
					opts.SpaceID = e.Config.Space.ID
				}
				p, err := e.CreateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proposal id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.SpaceID, "space-id", "", "space id")
	cmd.Flags().StringVar(&opts.CategoryID, "category", "", "category id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Path, "path", "", "document path")
	cmd.Flags().StringVar(&opts.ParentDoc, "parent-doc", "", "parent document id")
	cmd.Flags().StringArrayVar(&authors, "author", []string{}, "author user id (repeatable)")
	cmd.Flags().StringVar(&stagesJSON, "stages-json", "", "pipeline stages as a JSON array, inline or a file path")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, e.Config.Space.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Created By", "Published", "Archived", "Authors"})
				for _, p := range items {
					published := ""
					if p.PublishedAt != nil {
						published = *p.PublishedAt
					}
					tw.AppendRow(table.Row{p.ID, p.CreatedBy, published, p.Archived, strings.Join(p.AuthorIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func proposalGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a draft proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PublishProposal(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalArchiveCmd() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive or restore a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetArchived(ctx, id, !restore, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "restore instead of archive")
	return cmd
}

func proposalStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show derived lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.Status(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposal_id": id, "status": status})
				}
				fmt.Println(status)
				return nil
			})
		},
	}
	return cmd
}

var statusOrder = []domain.Status{
	domain.StatusDraft,
	domain.StatusDiscussion,
	domain.StatusReview,
	domain.StatusReviewed,
	domain.StatusVoteActive,
	domain.StatusVoteClosed,
	domain.StatusComplete,
}

func proposalFlowCmd() *cobra.Command {
	var viewer string
	cmd := &cobra.Command{
		Use:   "flow <id>",
		Short: "Show reachable statuses for a viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if viewer == "" {
				viewer = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flags, err := e.FlowFlags(ctx, id, viewer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flags)
				}
				for _, s := range statusOrder {
					if flags[s] {
						fmt.Println(s)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&viewer, "viewer", "", "viewer user id (defaults to actor-id)")
	return cmd
}

func proposalStagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages <id>",
		Short: "List a proposal's pipeline stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.ListStages(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Index", "ID", "Type", "Title", "Result", "Decided By"})
				for _, s := range stages {
					result, decidedBy := "", ""
					if s.Result != nil {
						result = *s.Result
					}
					if s.DecidedBy != nil {
						decidedBy = *s.DecidedBy
					}
					tw.AppendRow(table.Row{s.Index, s.ID, s.Type, s.Title, result, decidedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func proposalFieldsCmd() *cobra.Command {
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "set-fields <id>",
		Short: "Replace a proposal's custom fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var fields domain.ProposalFields
			if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
				return fmt.Errorf("parse fields: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UpdateFields(ctx, id, fields, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "fields as JSON")
	_ = cmd.MarkFlagRequired("fields-json")
	return cmd
}

func proposalAuthorCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "add-author <id>",
		Short: "Add a co-author",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddAuthor(ctx, id, userID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to add")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Manage pipeline stages",
		Long:  "Reviewers and vote settings are editable only while a stage is undecided. Scores belong to rubric stages and stay with the stage after it is decided.",
	}
	st.AddCommand(stageReviewersCmd())
	st.AddCommand(stageVoteSettingsCmd())
	st.AddCommand(stageScoreCmd())
	st.AddCommand(stageScoresCmd())
	return st
}

func stageReviewersCmd() *cobra.Command {
	var proposalID string
	var users, roles []string
	var spaceWide bool
	cmd := &cobra.Command{
		Use:   "set-reviewers <stage-id>",
		Short: "Replace a stage's reviewer set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			var reviewers []domain.Reviewer
			for _, u := range users {
				u := u
				reviewers = append(reviewers, domain.Reviewer{UserID: &u})
			}
			for _, r := range roles {
				r := r
				reviewers = append(reviewers, domain.Reviewer{RoleID: &r})
			}
			if spaceWide {
				reviewers = append(reviewers, domain.Reviewer{SpaceWide: true})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UpdateStageReviewers(ctx, proposalID, stageID, reviewers, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	cmd.Flags().StringArrayVar(&users, "user", []string{}, "reviewer user id (repeatable)")
	cmd.Flags().StringArrayVar(&roles, "role", []string{}, "reviewer role id (repeatable)")
	cmd.Flags().BoolVar(&spaceWide, "space-wide", false, "any space member may review")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func stageVoteSettingsCmd() *cobra.Command {
	var proposalID string
	var settings domain.VoteSettings
	cmd := &cobra.Command{
		Use:   "set-vote <stage-id>",
		Short: "Update a vote stage's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UpdateVoteSettings(ctx, proposalID, stageID, settings, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	cmd.Flags().StringSliceVar(&settings.Options, "option", []string{}, "vote option (repeatable)")
	cmd.Flags().IntVar(&settings.DurationDays, "duration-days", 0, "vote duration in days")
	cmd.Flags().IntVar(&settings.Threshold, "threshold", 0, "pass threshold")
	cmd.Flags().IntVar(&settings.MaxChoices, "max-choices", 0, "maximum choices per voter")
	cmd.Flags().StringVar(&settings.Type, "type", "", "vote type")
	cmd.Flags().BoolVar(&settings.External, "external", false, "vote runs on an outside network")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func stageScoreCmd() *cobra.Command {
	var opts engine.ScoreOptions
	cmd := &cobra.Command{
		Use:   "score <stage-id>",
		Short: "Submit a rubric score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StageID = args[0]
			opts.ReviewerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SubmitScore(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProposalID, "proposal", "", "proposal id")
	cmd.Flags().IntVar(&opts.CriterionIndex, "criterion", 0, "criterion index")
	cmd.Flags().IntVar(&opts.Score, "score", 0, "score value")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func stageScoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scores <stage-id>",
		Short: "List rubric scores for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				scores, err := e.Repo.ListScores(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(scores)
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit <stage-id>",
		Short: "Submit a stage result",
		Long:  "Records pass or fail for the current stage. On pass the pipeline advances; landing on a non-external vote stage creates the vote in the same transaction.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StageID = args[0]
			opts.DecidedBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SubmitResult(ctx, opts); err != nil {
					return err
				}
				status, err := e.Status(ctx, opts.ProposalID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposal_id": opts.ProposalID, "status": status})
				}
				fmt.Printf("%s -> %s\n", opts.ProposalID, status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProposalID, "proposal", "", "proposal id")
	cmd.Flags().StringVar(&opts.Result, "result", "", "pass or fail")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func voteCmd() *cobra.Command {
	v := &cobra.Command{Use: "vote", Short: "Manage votes"}
	v.AddCommand(voteShowCmd())
	v.AddCommand(voteCloseCmd())
	return v
}

func voteShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <stage-id>",
		Short: "Show the vote for a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vote, err := e.Repo.GetVoteByEvaluation(ctx, stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(vote)
			})
		},
	}
	return cmd
}

func voteCloseCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "close <stage-id>",
		Short: "Close a vote with an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CloseVote(ctx, stageID, outcome, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "passed or rejected")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func grantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants <document-id>",
		Short: "List grants on a document",
		Long:  "Grants are the projected access entries for a document. Public grants are user-managed; everything else is recomputed on each status transition.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.Repo.ListGrants(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Level", "User", "Role", "Space-Wide", "Public", "Inherited"})
				for _, g := range grants {
					user, role, inherited := "", "", ""
					if g.UserID != nil {
						user = *g.UserID
					}
					if g.RoleID != nil {
						role = *g.RoleID
					}
					if g.InheritedFrom != nil {
						inherited = *g.InheritedFrom
					}
					tw.AppendRow(table.Row{g.Level, user, role, g.SpaceWide, g.Public, inherited})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{
		Use:   "inbox",
		Short: "Notification tasks",
		Long:  "Tasks derived from unseen events, one per document with older transitions folded into the newest. Listing consumes the superseded events; surfaced tasks stay until marked seen.",
	}
	inbox.AddCommand(inboxListCmd())
	inbox.AddCommand(inboxSeenCmd())
	return inbox
}

func inboxListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending tasks for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				memberships, err := e.Repo.SpacesOf(ctx, userID)
				if err != nil {
					return err
				}
				spaceIDs := make([]string, 0, len(memberships))
				for _, m := range memberships {
					spaceIDs = append(spaceIDs, m.SpaceID)
				}
				events, err := e.Repo.UnseenEvents(ctx, userID, spaceIDs)
				if err != nil {
					return err
				}
				gen := notify.Generator{
					Store:      e.Repo,
					Directory:  e.Repo,
					Categories: e.Repo,
					Limiter:    rate.NewLimiter(rate.Inf, 1),
				}
				res, err := gen.TasksFor(ctx, userID, events)
				if err != nil {
					return err
				}
				if len(res.ConsumedEventIDs) > 0 {
					now := time.Now().UTC().Format(time.RFC3339)
					if err := e.Repo.MarkSeen(ctx, userID, res.ConsumedEventIDs, now); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res.Tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Action", "Document", "Space", "Actor", "At"})
				for _, t := range res.Tasks {
					doc := t.DocumentTitle
					if doc == "" {
						doc = t.DocumentPath
					}
					tw.AppendRow(table.Row{t.EventID, t.Action, doc, t.SpaceName, t.ActorID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func inboxSeenCmd() *cobra.Command {
	var eventIDs []int64
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Mark events as seen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(eventIDs) == 0 {
				return fmt.Errorf("--event required")
			}
			userID := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				return r.MarkSeen(ctx, userID, eventIDs, now)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&eventIDs, "event", []int64{}, "event id (repeatable)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of every status transition: who acted, which stage moved, and the statuses before and after.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					SpaceIDs: []string{e.Config.Space.ID},
					Type:     evtType,
					AfterID:  after,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Proposal", "Actor", "Transition", "At"})
				for _, ev := range events {
					transition := ev.Meta.OldStatus + " -> " + ev.Meta.NewStatus
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.ProposalID, ev.ActorID, transition, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		Long:  "The plaintext key is printed once and never stored; only its hash is kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := viper.GetString("actor-id")
			secret := make([]byte, 24)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			plaintext := "ak_" + hex.EncodeToString(secret)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				UserID:    userID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(plaintext),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("Key %s created. Store it now, it will not be shown again:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					type keyOut struct {
						ID        string `json:"id"`
						Name      string `json:"name,omitempty"`
						CreatedAt string `json:"created_at"`
					}
					out := make([]keyOut, 0, len(keys))
					for _, k := range keys {
						out = append(out, keyOut{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			userID := viper.GetString("actor-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id, userID)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			boot := engine.New(conn, nil)
			_, cfg, err := app.ResolveSpaceAndConfig(cmd.Context(), workspace, viper.GetString("space"), viper.GetString("actor-id"), boot)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("AGORA_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("AGORA_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agora API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept X-User-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	boot := engine.New(conn, nil)
	_, cfg, err := app.ResolveSpaceAndConfig(ctx, workspace, viper.GetString("space"), viper.GetString("actor-id"), boot)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
