package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Pablovelazquezb/electro/clientstore"
)

func newClientsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered meters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List clients, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			clients, err := a.clients.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, clients)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a meter; its table name is derived from the name",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			client, err := a.clients.Create(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			a.log.Info("client created", "id", client.ID, "table", client.DataTable)
			return printJSON(os.Stdout, client)
		}),
	})

	var upd clientstore.ClientUpdate
	var name, url string
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a client or change its meter url",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("url") {
				upd.URL = &url
			}
			if upd.Name == nil && upd.URL == nil {
				return errors.New("nothing to update, pass --name or --url")
			}
			return nil
		},
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			client, err := a.clients.Update(ctx, args[0], upd)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, client)
		}),
	}
	updateCmd.Flags().StringVar(&name, "name", "", "new name")
	updateCmd.Flags().StringVar(&url, "url", "", "new meter url")
	cmd.AddCommand(updateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a client; its data table is kept",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(ctx context.Context, a *app, args []string) error {
			if err := a.clients.Delete(ctx, args[0]); err != nil {
				return err
			}
			a.log.Info("client deleted", "id", args[0])
			return nil
		}),
	})

	return cmd
}
