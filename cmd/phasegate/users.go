package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phasegate/internal/app"
	"phasegate/internal/domain"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	u.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "Register the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				user, created, err := rt.Engine.EnsureUser(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user": user, "created": created})
				}
				printUser(user, table.Row{"Created", created})
				return nil
			})
		},
	})

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")
	u.AddCommand(list)

	u.AddCommand(&cobra.Command{
		Use:   "set-role <user-id> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				user, err := rt.Engine.SetRole(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(user)
				}
				printUser(user)
				return nil
			})
		},
	})
	return u
}

func printUser(u domain.User, extra ...table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", u.ID})
	tw.AppendRow(table.Row{"Email", u.Email})
	tw.AppendRow(table.Row{"Role", u.Role})
	for _, r := range extra {
		tw.AppendRow(r)
	}
	tw.Render()
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user's effective role and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				me, err := rt.Engine.WhoAmI(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(me)
				}
				fmt.Printf("%s (%s)\nregistered: %t\ncapabilities: %s\n",
					me.Actor.Email, me.Actor.Role, me.Registered, strings.Join(me.Capabilities, ", "))
				return nil
			})
		},
	}
}
