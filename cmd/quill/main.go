package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quill/internal/app"
	"quill/internal/config"
	"quill/internal/db"
	"quill/internal/domain"
	"quill/internal/engine"
	"quill/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill CLI",
	Long: `Quill hands letters written for clients to dolls that draft them.
Core concepts:
- Doll: a writer. Only active dolls take letters, and each holds at most max_letters_per_doll (5 by default).
- Client: the person a letter is for.
- Letter: moves draft -> reviewed -> sent on its doll. A new letter goes to the active doll with the fewest letters, or waits.
- Waiting pool: letters no doll could take. Activating a doll drains the oldest waiting letters into it.
- Release: deactivating or deleting a doll sends all of its letters back to the pool as waiting.
- Event log: every change, grouped by operation id; view with 'quill log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("QUILL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("config", "", "config file (default <workspace>/quill.yml)")
	flags.String("store-driver", "", "store driver override (sqlite, postgres)")
	flags.String("store-dsn", "", "store DSN override")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("log-format", "", "log format override (text, json)")
	flags.String("nats-url", "", "NATS server for lifecycle notifications")
	flags.String("pushgateway-url", "", "Prometheus Pushgateway to push engine metrics to")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "store-driver", "store-dsn", "log-level", "log-format", "nats-url", "pushgateway-url"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(dollCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(letterCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func dollCmd() *cobra.Command {
	doll := &cobra.Command{
		Use:   "doll",
		Short: "Manage dolls",
		Long:  "Dolls draft letters. Activating a doll pulls waiting letters into it; deactivating or deleting one sends its letters back to the waiting pool.",
	}
	doll.AddCommand(dollCreateCmd())
	doll.AddCommand(dollListCmd())
	doll.AddCommand(dollShowCmd())
	doll.AddCommand(dollUpdateCmd())
	doll.AddCommand(dollStatusCmd())
	doll.AddCommand(dollActivateCmd())
	doll.AddCommand(dollDeactivateCmd())
	doll.AddCommand(dollDeleteCmd())
	return doll
}

func dollCreateCmd() *cobra.Command {
	var opts engine.DollCreateOptions
	var age int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a doll",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("age") {
				opts.Age = &age
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDoll(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Status, "status", domain.DollInactive, "initial status (active, inactive)")
	cmd.Flags().IntVar(&age, "age", 0, "age")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func dollListCmd() *cobra.Command {
	var f repo.DollFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dolls with their current load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loads, err := e.DollLoads(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(loads)
				}
				tw := newTable("ID", "Name", "Status", "City", "Assigned", "Free")
				for _, d := range loads {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Status, d.City, d.Assigned, d.Free})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func dollShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a doll and its letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDoll(ctx, id)
				if err != nil {
					return err
				}
				letters, err := e.ListLetters(ctx, repo.LetterFilters{DollID: &id})
				if err != nil {
					return err
				}
				counts, err := e.DollLetterCounts(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"doll": d, "by_status": counts, "letters": letters})
			})
		},
	}
	return cmd
}

func dollUpdateCmd() *cobra.Command {
	var name, city, description string
	var age int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a doll's name, age, city or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			var patch repo.DollPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("age") {
				patch.Age = &age
			}
			if cmd.Flags().Changed("city") {
				patch.City = &city
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDoll(ctx, id, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().IntVar(&age, "age", 0, "age")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func dollStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <active|inactive>",
		Short: "Set a doll's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			status := strings.ToLower(strings.TrimSpace(args[1]))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SetDollStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatusChange(id, status, n)
			})
		},
	}
	return cmd
}

func dollActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a doll and drain waiting letters into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ActivateDoll(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatusChange(id, domain.DollActive, n)
			})
		},
	}
	return cmd
}

func dollDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a doll and release its letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.DeactivateDoll(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatusChange(id, domain.DollInactive, n)
			})
		},
	}
	return cmd
}

func dollDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a doll, releasing its letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("doll", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.DeleteDoll(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"doll_id": id, "deleted": true, "released": n})
			})
		},
	}
	return cmd
}

func clientCmd() *cobra.Command {
	client := &cobra.Command{
		Use:   "client",
		Short: "Manage clients",
	}
	client.AddCommand(clientCreateCmd())
	client.AddCommand(clientListCmd())
	client.AddCommand(clientShowCmd())
	client.AddCommand(clientUpdateCmd())
	client.AddCommand(clientDeleteCmd())
	return client
}

func clientCreateCmd() *cobra.Command {
	var opts engine.ClientCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a client, optionally with a first letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateClient(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the client wants letters")
	cmd.Flags().StringVar(&opts.Contact, "contact", "", "contact details")
	cmd.Flags().BoolVar(&opts.WithLetter, "letter", false, "also create the client's first letter")
	cmd.Flags().StringVar(&opts.LetterContent, "content", "", "content of the first letter")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func clientListCmd() *cobra.Command {
	var f repo.ClientFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				clients, err := e.ListClients(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(clients)
				}
				tw := newTable("ID", "Name", "City", "Contact")
				for _, c := range clients {
					tw.AppendRow(table.Row{c.ID, c.Name, c.City, c.Contact})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Query, "q", "", "name contains (case-insensitive)")
	cmd.Flags().StringVar(&f.City, "city", "", "city contains (case-insensitive)")
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a client and its letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("client", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetClient(ctx, id)
				if err != nil {
					return err
				}
				letters, err := e.ListLetters(ctx, repo.LetterFilters{ClientID: &id})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"client": c, "letters": letters})
			})
		},
	}
	return cmd
}

func clientUpdateCmd() *cobra.Command {
	var name, city, reason, contact string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("client", args[0])
			if err != nil {
				return err
			}
			var patch repo.ClientPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("city") {
				patch.City = &city
			}
			if cmd.Flags().Changed("reason") {
				patch.Reason = &reason
			}
			if cmd.Flags().Changed("contact") {
				patch.Contact = &contact
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateClient(ctx, id, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&contact, "contact", "", "contact")
	return cmd
}

func clientDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a client without letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("client", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteClient(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"client_id": id, "deleted": true})
			})
		},
	}
	return cmd
}

func letterCmd() *cobra.Command {
	letter := &cobra.Command{
		Use:   "letter",
		Short: "Manage letters",
		Long:  "Letters flow draft -> reviewed -> sent on their doll. Letters no doll can take wait in the pool until a doll is activated.",
	}
	letter.AddCommand(letterCreateCmd())
	letter.AddCommand(letterListCmd())
	letter.AddCommand(letterShowCmd())
	letter.AddCommand(letterEditCmd())
	letter.AddCommand(letterStatusCmd())
	letter.AddCommand(letterDeleteCmd())
	return letter
}

func letterCreateCmd() *cobra.Command {
	var opts engine.LetterCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a letter for a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLetter(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ClientID, "client", 0, "client id")
	cmd.Flags().StringVar(&opts.Content, "content", "", "letter text")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func letterListCmd() *cobra.Command {
	var f repo.LetterFilters
	var dollID, clientID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("doll") {
				f.DollID = &dollID
			}
			if cmd.Flags().Changed("client") {
				f.ClientID = &clientID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				letters, err := e.ListLetters(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(letters)
				}
				tw := newTable("ID", "Client", "Doll", "Status", "Date")
				for _, l := range letters {
					tw.AppendRow(table.Row{l.ID, l.ClientName, l.DollName, l.Status, l.Date})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&dollID, "doll", 0, "doll id filter")
	cmd.Flags().Int64Var(&clientID, "client", 0, "client id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func letterShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("letter", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetLetter(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"letter": l}
				if next, ok := engine.NextLetterStatus(l.Status); ok {
					out["next_status"] = next
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func letterEditCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a letter's text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("letter", args[0])
			if err != nil {
				return err
			}
			var patch engine.LetterPatch
			if cmd.Flags().Changed("content") {
				patch.Content = &content
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.UpdateLetter(ctx, id, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new letter text")
	return cmd
}

func letterStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <reviewed|sent>",
		Short: "Move a letter to its next status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("letter", args[0])
			if err != nil {
				return err
			}
			to := strings.ToLower(strings.TrimSpace(args[1]))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ChangeLetterStatus(ctx, id, to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func letterDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a waiting or draft letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("letter", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteLetter(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"letter_id": id, "deleted": true})
			})
		},
	}
	return cmd
}

func poolCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "List waiting letters in the order dolls will take them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				letters, err := e.WaitingPool(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(letters)
				}
				tw := newTable("#", "Letter", "Client", "Date")
				for i, l := range letters {
					tw.AppendRow(table.Row{i + 1, l.ID, l.ClientID, l.Date})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: letters created, assigned and released, dolls activated, clients added.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Op", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, shortOp(evt.OpID), evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.OpID, "op", "", "operation id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in quill.yml in the workspace: doll capacity, store driver, retry budget, logging, notifications and metrics. Flags and QUILL_* variables override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file with overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := overrides()
			o.RequireFile = true
			_, err := app.ResolveConfig(viper.GetString("workspace"), o)
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default quill.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Write(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func overrides() app.Overrides {
	return app.Overrides{
		ConfigPath:     viper.GetString("config"),
		Driver:         viper.GetString("store-driver"),
		DSN:            viper.GetString("store-dsn"),
		LogLevel:       viper.GetString("log-level"),
		LogFormat:      viper.GetString("log-format"),
		NATSURL:        viper.GetString("nats-url"),
		PushgatewayURL: viper.GetString("pushgateway-url"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), overrides(), os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return fn(ctx, rt.Engine)
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func printStatusChange(id int64, status string, n int) error {
	out := map[string]any{"doll_id": id, "status": status}
	if status == domain.DollActive {
		out["drained"] = n
	} else {
		out["released"] = n
	}
	return printJSONOrTable(out)
}

func shortOp(opID string) string {
	if len(opID) > 8 {
		return opID[:8]
	}
	return opID
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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
