// filesctl — консольная утилита оператора файлового сервиса:
// статус и запуск миграции со старого сервера, сверка БД с диском.
// Читает ту же конфигурацию FS_*, что и сервис, и работает с базой напрямую.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/makarenko444/zakaz-3/file-service/internal/app"
	"github.com/makarenko444/zakaz-3/file-service/internal/config"
	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

// outputFormat — значение флага --output.
var outputFormat = formatJSON

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filesctl",
		Short: "Управление файлами заявок: миграция и сверка",
		Long: `filesctl выполняет административные операции файлового сервиса
без HTTP: миграцию файлов со старого сервера и сверку БД с диском.

Конфигурация берётся из тех же переменных окружения FS_*, что и у сервиса.

Примеры:
  # Сводка миграции
  filesctl migrate status

  # Перенести 50 ожидающих файлов
  filesctl migrate run --limit 50

  # Записи без файла на диске, в YAML
  filesctl reconcile scan --mode zombies -o yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateFormat(outputFormat)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatJSON, "Формат вывода: json или yaml")

	rootCmd.AddCommand(newMigrateCmd(), newReconcileCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Версия утилиты",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeOutput(cmd.OutOrStdout(), outputFormat, map[string]string{"version": config.Version})
		},
	}
}

// operator — пользователь, от имени которого пишется журнал аудита.
func operator() *model.User {
	name := "filesctl"
	if u := os.Getenv("USER"); u != "" {
		name = "filesctl:" + u
	}
	return &model.User{Name: name, Role: model.RoleAdmin}
}

// withCore загружает конфигурацию, собирает ядро и вызывает fn.
// Логи идут в stderr, чтобы не смешиваться с выводом команды.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("конфигурация: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))

	core, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	return fn(cmd.Context(), core)
}
