package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/promptforge/promptforge/config"
	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/telemetry"
)

var exportTracesCmd = &cobra.Command{
	Use:   "export-traces",
	Short: "Replay persisted optimization records as OTLP traces",
	Long: `Convert finished optimization records into OpenTelemetry spans and
post them to an OTLP/HTTP collector. Span IDs derive from record IDs,
so re-running the export is idempotent on backends that dedupe.

Records are read from the Redis store; a daemon running purely
in-memory has nothing another process can export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExportTraces(cmd)
	},
}

func init() {
	rootCmd.AddCommand(exportTracesCmd)

	exportTracesCmd.Flags().StringP("config", "c", "", "Configuration file path (YAML)")
	exportTracesCmd.Flags().String("endpoint", "", "OTLP/HTTP traces endpoint, overrides the config file")
	exportTracesCmd.Flags().String("service-name", "", "service.name resource attribute")
	exportTracesCmd.Flags().String("project", "", "Only export records belonging to this project ID")
	exportTracesCmd.Flags().Int("limit", 0, "Maximum records to read (0 reads all)")
	exportTracesCmd.Flags().Int("batch-size", 100, "Spans per export request")
}

func runExportTraces(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	endpoint, _ := cmd.Flags().GetString("endpoint")
	if endpoint == "" {
		endpoint = cfg.Telemetry.Endpoint
	}
	if endpoint == "" {
		return errors.New("an OTLP endpoint is required: pass --endpoint or set telemetry.endpoint")
	}
	serviceName, _ := cmd.Flags().GetString("service-name")
	if serviceName == "" {
		serviceName = cfg.Telemetry.ServiceName
	}

	if cfg.Redis.Addr == "" {
		return errors.New("export-traces reads the Redis store: set redis.addr")
	}

	projectID, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}

	store := record.NewRedisStore(client,
		record.WithPrefix(cfg.Redis.Prefix),
		record.WithTTL(cfg.Redis.TTL.Duration()),
	)
	records, err := store.List(ctx, record.ListOptions{ProjectID: projectID, Limit: limit})
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No records to export.")
		return nil
	}

	exporter := telemetry.NewOTLPExporter(endpoint,
		telemetry.WithExportResource(telemetry.ResourceWithService(serviceName)),
		telemetry.WithBatchSize(batchSize),
	)
	defer func() { _ = exporter.Shutdown(ctx) }()

	exported, err := telemetry.ExportRecords(ctx, exporter, telemetry.NewRecordConverter(), records, batchSize)
	if err != nil {
		return err
	}

	fmt.Printf("Exported %d spans from %d records to %s\n", exported, len(records), endpoint)
	return nil
}
