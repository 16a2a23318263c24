package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/makarenko444/zakaz-3/file-service/internal/app"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

func newReconcileCmd() *cobra.Command {
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Сверка записей БД с файлами на диске",
	}

	var (
		mode     string
		page     int
		limit    int
		search   string
		fileType string
	)
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Найти расхождения (list, zombies, orphans, dangling, stats)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := service.ParseScanMode(mode)
			if err != nil {
				return err
			}
			return withCore(cmd, func(ctx context.Context, core *app.Core) error {
				res, err := core.Reconcile.Scan(ctx, service.ScanRequest{
					Mode:     m,
					Page:     page,
					Limit:    limit,
					Search:   search,
					FileType: fileType,
				})
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), outputFormat, res)
			})
		},
	}
	scanCmd.Flags().StringVar(&mode, "mode", string(service.ModeList), "Режим сверки")
	scanCmd.Flags().IntVar(&page, "page", 1, "Страница (только list)")
	scanCmd.Flags().IntVar(&limit, "limit", 0, "Размер страницы (только list)")
	scanCmd.Flags().StringVar(&search, "search", "", "Подстрока имени файла (только list)")
	scanCmd.Flags().StringVar(&fileType, "file-type", "", "Категория MIME-типа (только list)")

	var (
		fileIDs []string
		paths   []string
	)
	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Удалить найденные сверкой записи и файлы",
		Long: `Удаляет записи (--file-id, повторяемый) и файлы-сироты
(--path, абсолютный путь внутри FS_UPLOAD_DIR, повторяемый).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(fileIDs) == 0 && len(paths) == 0 {
				return errors.New("не указаны файлы для удаления: --file-id или --path")
			}
			return withCore(cmd, func(ctx context.Context, core *app.Core) error {
				res := core.Reconcile.Repair(ctx, service.RepairRequest{FileIDs: fileIDs, OrphanPaths: paths}, operator())
				return writeOutput(cmd.OutOrStdout(), outputFormat, res)
			})
		},
	}
	repairCmd.Flags().StringSliceVar(&fileIDs, "file-id", nil, "Идентификатор записи")
	repairCmd.Flags().StringSliceVar(&paths, "path", nil, "Путь файла-сироты")

	reconcileCmd.AddCommand(scanCmd, repairCmd)
	return reconcileCmd
}
