package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/migrate"
	"settleline/internal/repo"
	"settleline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Settleline CLI",
	Long: `Settleline escrows milestone-based engagements between a seller and a buyer.
How it works:
- Engagement: one piece of work split into ordered milestones, each with a
  basis-point share of the total and a relative deadline.
- Custody: the buyer pays the full amount up front; funds sit in a per-
  engagement custody account and are released milestone by milestone.
- Deadlines: milestone deadlines are offsets anchored once, at payment.
- Stake: the seller may post a stake that returns on completion and is
  forfeited to the buyer if the seller walks away from funded work.
- Revisions: the buyer can send a submission back a bounded number of times;
  once revisions are exhausted, either side may propose mutual cancellation.
- Watch ops: anyone can trigger auto-release after buyer silence or a refund
  claim after a missed deadline.
- Event log: every transition is recorded, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SETTLELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(engagementCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func engagementCmd() *cobra.Command {
	eng := &cobra.Command{
		Use:   "engagement",
		Short: "Manage engagements",
		Long:  "Engagements move created -> paid -> in_progress -> completed, or exit via refunded/cancelled. The actor creating one is its seller; the actor paying it is its buyer.",
	}
	eng.AddCommand(engagementCreateCmd())
	eng.AddCommand(engagementShowCmd())
	eng.AddCommand(engagementListCmd())
	eng.AddCommand(engagementPayCmd())
	eng.AddCommand(engagementCancelCmd())
	return eng
}

func engagementCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an engagement with its milestone sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SellerID = viper.GetString("actor-id")
			opts.ActorID = opts.SellerID
			for _, raw := range milestones {
				share, offset, title, err := parseMilestone(raw)
				if err != nil {
					return err
				}
				opts.Shares = append(opts.Shares, share)
				opts.DeadlineOffsets = append(opts.DeadlineOffsets, offset)
				opts.Titles = append(opts.Titles, title)
				opts.Descriptions = append(opts.Descriptions, "")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "engagement id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer", "", "buyer id (omit to bind the first payer)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().Int64Var(&opts.Total, "total", 0, "total amount held in custody")
	cmd.Flags().Int64Var(&opts.Stake, "stake", 0, "seller stake")
	cmd.Flags().Int64Var(&opts.ResponseWindow, "response-window", 0, "buyer response window in seconds (0 uses the config default)")
	cmd.Flags().IntVar(&opts.MaxRevisions, "max-revisions", 0, "revisions allowed per milestone")
	cmd.Flags().StringArrayVar(&milestones, "milestone", []string{}, "milestone as share_bp:offset_seconds[:title] (repeatable, shares sum to 10000)")
	_ = cmd.MarkFlagRequired("total")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

// parseMilestone reads "share_bp:offset_seconds[:title]".
func parseMilestone(raw string) (int64, int64, string, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return 0, 0, "", fmt.Errorf("invalid milestone %q, want share_bp:offset_seconds[:title]", raw)
	}
	share, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid milestone share in %q: %w", raw, err)
	}
	offset, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("invalid milestone offset in %q: %w", raw, err)
	}
	title := ""
	if len(parts) == 3 {
		title = parts[2]
	}
	return share, offset, title, nil
}

func engagementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an engagement with its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, ms, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"engagement": eng, "milestones": ms})
				}
				fmt.Printf("Engagement: %s (%s)\n", eng.ID, eng.Status)
				fmt.Printf("Seller: %s  Buyer: %s\n", eng.SellerID, valueOr(eng.BuyerID, "(open)"))
				fmt.Printf("Total: %d  Stake: %d  Current milestone: %d\n", eng.Total, eng.Stake, eng.CurrentIdx)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Idx", "Share", "Amount", "Status", "Deadline", "Revisions", "Consent"})
				for _, m := range ms {
					tw.AppendRow(table.Row{m.Idx, m.ShareBP, m.Amount, m.Status, formatUnix(m.Deadline), m.Revisions, m.Consent})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func engagementListCmd() *cobra.Command {
	var party, role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engagements for a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			if party == "" {
				party = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEngagements(ctx, party, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Seller", "Buyer", "Total", "Current"})
				for _, eng := range items {
					tw.AppendRow(table.Row{eng.ID, eng.Title, eng.Status, eng.SellerID, eng.BuyerID, eng.Total, eng.CurrentIdx})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party id (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", "", "filter by role (seller, buyer)")
	return cmd
}

func engagementPayCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "pay <id>",
		Short: "Fund the engagement in full and become its buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.Pay(ctx, args[0], viper.GetString("actor-id"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "payment amount (must equal the engagement total)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func engagementCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw the engagement as the seller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.CancelBySeller(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Operate on the current milestone",
		Long:  "Milestones settle strictly in order: only the engagement's current milestone accepts submissions, approvals, revisions, or cancellation consent.",
	}
	ms.AddCommand(milestoneSubmitCmd())
	ms.AddCommand(milestoneApproveCmd())
	ms.AddCommand(milestoneReviseCmd())
	ms.AddCommand(milestoneProposeCancelCmd())
	ms.AddCommand(milestoneShowCmd())
	return ms
}

func milestoneArgs(args []string) (string, int, error) {
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid milestone index %q: %w", args[1], err)
	}
	return args[0], idx, nil
}

func milestoneSubmitCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "submit <engagement-id> <idx>",
		Short: "Deliver the current milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := milestoneArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Submit(ctx, id, viper.GetString("actor-id"), idx, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "delivery note")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <engagement-id> <idx>",
		Short: "Approve the submission and release its funds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := milestoneArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.Approve(ctx, id, viper.GetString("actor-id"), idx)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func milestoneReviseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revise <engagement-id> <idx>",
		Short: "Send the submission back for revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := milestoneArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RequestRevision(ctx, id, viper.GetString("actor-id"), idx, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "what needs to change")
	return cmd
}

func milestoneProposeCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propose-cancel <engagement-id> <idx>",
		Short: "Consent to mutual cancellation (needs exhausted revisions)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := milestoneArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ProposeCancel(ctx, id, viper.GetString("actor-id"), idx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <engagement-id> <idx>",
		Short: "Show a milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, idx, err := milestoneArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Milestone(ctx, id, idx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Permissionless timing operations",
		Long:  "Anyone may trigger these once their timing condition holds; funds always go where the state machine says, never to the caller.",
	}
	watch.AddCommand(watchAutoReleaseCmd())
	watch.AddCommand(watchRefundClaimCmd())
	return watch
}

func watchAutoReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-release <engagement-id>",
		Short: "Release the current submission after buyer silence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.AutoRelease(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func watchRefundClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund-claim <engagement-id>",
		Short: "Refund the buyer after a missed deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.ClaimRefund(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{Use: "ledger", Short: "Party accounts"}
	led.AddCommand(ledgerDepositCmd())
	led.AddCommand(ledgerBalanceCmd())
	return led
}

func ledgerDepositCmd() *cobra.Command {
	var party string
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit a party account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if party == "" {
				party = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Ledger.Deposit(ctx, party, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "party id (defaults to --actor-id)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <party-id>",
		Short: "Show a party account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, engagementID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, engagementID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Engagement", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EngagementID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&engagementID, "engagement", "", "engagement id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default settleline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("SETTLELINE_JWT_SECRET"),
				AllowDevLogin: devLogin || cfg.Auth.AllowDevLogin,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SETTLELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Done: cmd.Context().Done()})
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
			fmt.Printf("Serving Settleline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev login endpoint")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
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

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
