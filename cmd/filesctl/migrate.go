package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/makarenko444/zakaz-3/file-service/internal/app"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Миграция файлов со старого сервера",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Сколько файлов перенесено и сколько ожидает",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, func(ctx context.Context, core *app.Core) error {
				st, err := core.Migration.Status(ctx)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), outputFormat, st)
			})
		},
	}

	var limit int
	runCmd := &cobra.Command{
		Use:   "run [file-id...]",
		Short: "Перенести указанные файлы или первые --limit ожидающих",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.New("--limit не может быть отрицательным")
			}
			return withCore(cmd, func(ctx context.Context, core *app.Core) error {
				if len(args) > 0 {
					return writeOutput(cmd.OutOrStdout(), outputFormat, core.Migration.MigrateBatch(ctx, args, operator()))
				}
				report, err := core.Migration.MigratePending(ctx, limit, operator())
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), outputFormat, report)
			})
		},
	}
	runCmd.Flags().IntVar(&limit, "limit", 0, "Сколько ожидающих файлов перенести (0 — по умолчанию)")

	migrateCmd.AddCommand(statusCmd, runCmd)
	return migrateCmd
}
