package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phasegate/internal/app"
	"phasegate/internal/domain"
	"phasegate/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTimelineCmd())
	prj.AddCommand(projectEventsCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in BA Phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, title, desc)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the projects visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Created By", "Developers"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.CurrentPhase, p.CreatedBy, len(p.Developers)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <project-id>",
		Short: "Show every phase timeline with entry ids for sign-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p.Phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Index", "Entry", "Event", "Date", "By", "Document", "Signed Off"})
				for i, ph := range p.Phases {
					for _, e := range ph.Timeline {
						doc, signed := "", ""
						if e.Document != nil {
							doc = e.Document.Type
							if e.Document.Title != "" {
								doc += ": " + e.Document.Title
							}
							signed = strconv.FormatBool(e.Document.SignedOff)
						}
						tw.AppendRow(table.Row{ph.Name, i, e.ID, e.Event, e.Date, entryActor(e), doc, signed})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func entryActor(e domain.TimelineEntry) string {
	for _, s := range []string{e.SignedOffBy, e.PromotedBy, e.AddedBy, e.CreatedBy} {
		if s != "" {
			return s
		}
	}
	return ""
}

func projectEventsCmd() *cobra.Command {
	var evtType string
	cmd := &cobra.Command{
		Use:   "events <project-id>",
		Short: "List recorded lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ProjectEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Actor", "Payload"})
				for _, evt := range items {
					if evtType != "" && evt.Type != evtType {
						continue
					}
					tw.AppendRow(table.Row{evt.Ts, evt.Type, evt.ActorID, fmt.Sprint(evt.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage phase documents"}
	var in engine.DocumentInput
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Attach a URL document to the current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.SubmitDocument(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	add.Flags().StringVar(&in.Title, "title", "", "document title")
	add.Flags().StringVar(&in.URL, "url", "", "document link (http or https)")
	add.Flags().StringVar(&in.Type, "type", domain.DocTypeBRD, "document type")
	doc.AddCommand(add)
	return doc
}

func signOffCmd() *cobra.Command {
	var phase int
	var entry string
	cmd := &cobra.Command{
		Use:   "signoff <project-id>",
		Short: "Sign off the document of a timeline entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				before, err := rt.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				p, err := rt.Engine.SignOff(ctx, args[0], phase, entry)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && p.CurrentPhase != before.CurrentPhase {
					fmt.Printf("promoted %s -> %s\n", before.CurrentPhase, p.CurrentPhase)
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 0, "phase index holding the entry")
	cmd.Flags().StringVar(&entry, "entry", "", "timeline entry id")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func breakdownCmd() *cobra.Command {
	bd := &cobra.Command{Use: "breakdown", Short: "Submit High Level Breakdown or WBS rows"}
	var kind string
	var rows []string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Submit breakdown rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseRows(rows)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.SubmitBreakdown(ctx, args[0], kind, parsed)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", domain.DocTypeHighLevelBreakdown, "High Level Breakdown or WBS")
	add.Flags().StringArrayVar(&rows, "row", nil, "row as task|platform|estimate (repeatable)")
	bd.AddCommand(add)
	return bd
}

func parseRows(raw []string) ([]domain.BreakdownRow, error) {
	out := make([]domain.BreakdownRow, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("row %q: expected task|platform|estimate", r)
		}
		est, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %q: estimate: %w", r, err)
		}
		out = append(out, domain.BreakdownRow{
			Task:     strings.TrimSpace(parts[0]),
			Platform: strings.TrimSpace(parts[1]),
			Estimate: est,
		})
	}
	return out, nil
}

func developerCmd() *cobra.Command {
	d := &cobra.Command{Use: "developer", Short: "Manage project developers"}
	d.AddCommand(&cobra.Command{
		Use:   "add <project-id> <email>",
		Short: "Assign a developer while the project is in WBS Phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.AssignDeveloper(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	})
	return d
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", p.ID})
	tw.AppendRow(table.Row{"Title", p.Title})
	if p.Description != "" {
		tw.AppendRow(table.Row{"Description", p.Description})
	}
	tw.AppendRow(table.Row{"Phase", fmt.Sprintf("%s (%d)", p.CurrentPhase, p.CurrentPhaseIndex)})
	tw.AppendRow(table.Row{"Created", fmt.Sprintf("%s by %s", p.CreatedAt, p.CreatedBy)})
	tw.AppendRow(table.Row{"Visible To Team Leads", p.VisibleToTeamLeads})
	tw.AppendRow(table.Row{"Developers", strings.Join(p.Developers, ", ")})
	if len(p.Phases) > 0 {
		cur := p.Current()
		signed := 0
		for _, d := range cur.Documents {
			if d.SignedOff {
				signed++
			}
		}
		tw.AppendRow(table.Row{"Documents Signed Off", fmt.Sprintf("%d/%d", signed, len(cur.Documents))})
	}
	tw.Render()
	return nil
}
