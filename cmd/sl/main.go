package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scanline/internal/app"
	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/domain"
	"scanline/internal/engine"
	"scanline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Scanline CLI",
	Long: `Scanline tracks multi-stage scanlation pipelines per community and project.
Core concepts:
- Community: one chat server's document holding projects and role templates.
- Project: a series with an ordered role chain (clean, translate, check, edit...),
  a chapter list, and managers.
- Moving role: a stage allowed to run in parallel up to a later stage; work on
  the stages in between stays open until the mover catches up.
- Chapter: one task carrying a completion flag per role; when every flag is set
  the chapter waits in the publish slot for a manager.
- Daily check: backup, inactivity notices, and stats window resets.`,
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
	viper.SetEnvPrefix("SCANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("community", "c", "local", "community id")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().Bool("force", false, "bypass role checks (manager override)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("community", rootCmd.PersistentFlags().Lookup("community"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(chapterCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(doneCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func community() string { return viper.GetString("community") }
func actor() string     { return viper.GetString("actor-id") }

func projectID() (string, error) {
	id := viper.GetString("project")
	if id == "" {
		return "", fmt.Errorf("project not specified; use --project or set SCANLINE_PROJECT")
	}
	return id, nil
}

func authz() engine.AuthorizationContext {
	return engine.AuthorizationContext{
		EffectiveUserID: actor(),
		ManagerOverride: viper.GetBool("force"),
	}
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			env, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer env.Close()
			fmt.Printf("Initialized workspace: %s, data dir %s\n", path, env.Config.Data.Dir)
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, title, desc, image, channel, notifyMode, tplName, chapters string
	var roles []string
	var autoContinue bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.CreateProject(ctx, engine.CreateProjectOptions{
					CommunityID:  community(),
					ID:           id,
					Title:        title,
					Description:  desc,
					ImageLink:    image,
					ChannelID:    channel,
					Notify:       domain.NotifyMode(notifyMode),
					AutoContinue: autoContinue,
					Managers:     []string{actor()},
					Roles:        rolesFromNames(roles),
					Template:     tplName,
					Chapters:     chapters,
					ActorID:      actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (defaults to a generated id)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&image, "image", "", "cover image link")
	cmd.Flags().StringVar(&channel, "channel", "", "notification channel id")
	cmd.Flags().StringVar(&notifyMode, "notify", "channel", "notify mode (channel, dm)")
	cmd.Flags().StringVar(&tplName, "template", "", "role chain template name")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "role names in order, e.g. Clean,Translate,Check,Edit")
	cmd.Flags().StringVar(&chapters, "chapters", "", "initial chapters, e.g. 1-5")
	cmd.Flags().BoolVar(&autoContinue, "auto-continue", false, "append the next chapter when the last one progresses")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				projects := env.Engine.ListProjects(community(), "")
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Roles", "Chapters", "Last done", "Last action"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Title, len(p.Roles), len(p.Tasks), p.LastCompleted, p.LastActionAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.GetProject(community(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var title, desc, image, channel, notifyMode string
	var autoContinue bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update project metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				opts := engine.UpdateProjectOptions{
					CommunityID: community(),
					ProjectID:   id,
					ActorID:     actor(),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("image") {
					opts.ImageLink = &image
				}
				if cmd.Flags().Changed("channel") {
					opts.ChannelID = &channel
				}
				if cmd.Flags().Changed("notify") {
					m := domain.NotifyMode(notifyMode)
					opts.Notify = &m
				}
				if cmd.Flags().Changed("auto-continue") {
					opts.AutoContinue = &autoContinue
				}
				p, err := env.Engine.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&image, "image", "", "cover image link")
	cmd.Flags().StringVar(&channel, "channel", "", "notification channel id")
	cmd.Flags().StringVar(&notifyMode, "notify", "", "notify mode (channel, dm)")
	cmd.Flags().BoolVar(&autoContinue, "auto-continue", false, "append the next chapter when the last one progresses")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.DeleteProject(ctx, community(), id, actor())
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage the role chain and assignments"}
	role.AddCommand(roleAppendCmd())
	role.AddCommand(roleMovingCmd())
	role.AddCommand(roleRemoveCmd())
	role.AddCommand(roleMoveCmd())
	role.AddCommand(roleAssignCmd())
	role.AddCommand(roleUnassignCmd())
	role.AddCommand(roleManagerCmd())
	return role
}

func roleAppendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append <name>",
		Short: "Append a role to the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				idx, err := env.Engine.AppendRole(ctx, community(), id, args[0], actor())
				if err != nil {
					return err
				}
				fmt.Printf("Appended %s at index %d\n", args[0], idx)
				return nil
			})
		},
	}
	return cmd
}

func roleMovingCmd() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "moving <index>",
		Short: "Set or clear a role's moving target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.SetRoleMoving(ctx, community(), id, idx, target, actor())
			})
		},
	}
	cmd.Flags().IntVar(&target, "to", -1, "target role index, the chain length for the publish slot, or -1 to clear")
	return cmd
}

func roleRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <index>",
		Short: "Remove a role from the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.RemoveRole(ctx, community(), id, idx, actor())
			})
		},
	}
	return cmd
}

func roleMoveCmd() *cobra.Command {
	var to int
	cmd := &cobra.Command{
		Use:   "move <index>",
		Short: "Move a role to a new position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.MoveRole(ctx, community(), id, idx, to, actor())
			})
		},
	}
	cmd.Flags().IntVar(&to, "to", 0, "new position")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func roleAssignCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "assign <role-name>",
		Short: "Assign a user to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Assign(ctx, community(), id, args[0], user, actor())
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func roleUnassignCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "unassign <role-name>",
		Short: "Remove a user from a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Unassign(ctx, community(), id, args[0], user, actor())
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func roleManagerCmd() *cobra.Command {
	mgr := &cobra.Command{Use: "manager", Short: "Manage project managers"}
	var user string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.AddManager(ctx, community(), id, user, actor())
			})
		},
	}
	add.Flags().StringVar(&user, "user", "", "user id")
	_ = add.MarkFlagRequired("user")

	var removeUser string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.RemoveManager(ctx, community(), id, removeUser, actor())
			})
		},
	}
	remove.Flags().StringVar(&removeUser, "user", "", "user id")
	_ = remove.MarkFlagRequired("user")

	mgr.AddCommand(add)
	mgr.AddCommand(remove)
	return mgr
}

func chapterCmd() *cobra.Command {
	ch := &cobra.Command{Use: "chapter", Short: "Manage chapters"}
	add := &cobra.Command{
		Use:   "add <spec>",
		Short: "Add chapters, e.g. 1-5,5.5,7-9",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				added, err := env.Engine.AddChapters(ctx, community(), id, args[0], actor())
				if err != nil {
					return err
				}
				fmt.Printf("Added %d chapters\n", len(added))
				return nil
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove <spec>",
		Short: "Remove chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				removed, err := env.Engine.RemoveChapters(ctx, community(), id, args[0], actor())
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d chapters\n", len(removed))
				return nil
			})
		},
	}
	ch.AddCommand(add)
	ch.AddCommand(remove)
	return ch
}

func workCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Show available work",
		Long:  "With --project, available work in that project; without, every linked project.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a := authz()
				if as != "" {
					a.EffectiveUserID = as
				}
				if id := viper.GetString("project"); id != "" {
					work, err := env.Engine.AvailableWork(community(), id, a)
					if err != nil {
						return err
					}
					return printWork(env, community(), id, work)
				}
				entries := env.Engine.MyWork(a.EffectiveUserID)
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, pw := range entries {
					fmt.Printf("%s / %s (%s)\n", pw.CommunityID, pw.Title, pw.ProjectID)
					if err := printWork(env, pw.CommunityID, pw.ProjectID, pw.Work); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "see work for this user id")
	return cmd
}

func printWork(env *app.Env, communityID, projectID string, work []engine.TaskWork) error {
	if viper.GetBool("json") {
		return printJSON(work)
	}
	p, err := env.Engine.GetProject(communityID, projectID)
	if err != nil {
		return err
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Chapter", "Actionable roles"})
	for _, w := range work {
		var names []string
		for _, idx := range w.Roles {
			if idx == len(p.Roles) {
				names = append(names, "publish")
			} else {
				names = append(names, fmt.Sprintf("%s (%d)", p.Roles[idx].Name, idx))
			}
		}
		tw.AppendRow(table.Row{w.Task.Name, strings.Join(names, ", ")})
	}
	tw.Render()
	return nil
}

func doneCmd() *cobra.Command {
	var role int
	var as string
	cmd := &cobra.Command{
		Use:   "done <chapters>",
		Short: "Mark chapters done at a role",
		Long:  "Role index counts from 0; the chain length publishes fully completed chapters.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectID()
			if err != nil {
				return err
			}
			names, err := engine.ParseChapterSpec(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a := authz()
				if as != "" {
					a.EffectiveUserID = as
					a.ManagerOverride = true
				}
				res, err := env.Engine.MarkDone(ctx, community(), id, names, role, a, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&role, "role", 0, "role index")
	cmd.Flags().StringVar(&as, "as", "", "act for this user id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage role chain templates"}
	var roles []string
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Create or replace a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.SaveTemplate(ctx, community(), domain.Template{
					Name:  args[0],
					Roles: rolesFromNames(roles),
				}, actor())
			})
		},
	}
	save.Flags().StringSliceVar(&roles, "roles", nil, "role names in order")
	_ = save.MarkFlagRequired("roles")

	list := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return printJSONOrTable(env.Engine.ListTemplates(community()))
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.DeleteTemplate(ctx, community(), args[0], actor())
			})
		},
	}

	tpl.AddCommand(save)
	tpl.AddCommand(list)
	tpl.AddCommand(del)
	return tpl
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Chapters-done counters for the current window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stats, err := env.Engine.Stats(ctx, community())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Chapters done"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.UserID, s.ChaptersDone})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event journal"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				evts, err := env.Engine.Log(ctx, n, community(), viper.GetString("project"), evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the periodic sweep: backup, inactivity notices, stats windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.DailyCheck(ctx, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the flat-file state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				path, err := env.Store.Backup(time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("Backed up to %s\n", path)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				plaintext, k, err := env.Engine.CreateAPIKey(ctx, actor(), name)
				if err != nil {
					return err
				}
				fmt.Printf("Key %s for %s (shown once):\n%s\n", k.ID, k.ActorID, plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				keys, err := env.Engine.Repo.ListAPIKeys(ctx, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	key.AddCommand(create)
	key.AddCommand(list)
	key.AddCommand(del)
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("SCANLINE_JWT_SECRET"),
					AllowLegacyActorHeader: env.Config.Auth.AllowLegacyActorHeader,
					EnableDevLogin:         devLogin,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("SCANLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Scanline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "mount the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func rolesFromNames(names []string) []domain.Role {
	var out []domain.Role
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, domain.Role{Name: n, MovesTo: -1})
	}
	return out
}

func parseIndex(s string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(s, "%d", &idx); err != nil {
		return 0, fmt.Errorf("bad role index %q", s)
	}
	return idx, nil
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
