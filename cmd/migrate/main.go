package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/allmantool/hbudget-ledger/internal/eventstore/pgstore"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/allmantool/hbudget-ledger/migrations"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type options struct {
	projectID     string
	datasetID     string
	appliedBy     string
	migrationsDir string
	postgresDSN   string
}

func main() {
	var opts options
	flag.StringVar(&opts.projectID, "project", "", "GCP project ID")
	flag.StringVar(&opts.datasetID, "dataset", "ledger", "BigQuery dataset ID")
	flag.StringVar(&opts.appliedBy, "applied-by", "migrate-cli", "Name of the tool applying migrations")
	flag.StringVar(&opts.migrationsDir, "migrations", "", "Directory overriding the embedded BigQuery migrations")
	flag.StringVar(&opts.postgresDSN, "postgres-dsn", os.Getenv("LEDGER_EVENTSTORE_DSN"), "Postgres event store DSN")
	flag.Parse()

	log := logger.New()
	ctx := context.Background()

	if opts.projectID == "" && opts.postgresDSN == "" {
		log.Fatal().Msg("Nothing to migrate: pass -project and/or -postgres-dsn")
	}

	if opts.postgresDSN != "" {
		if err := migratePostgres(ctx, opts.postgresDSN, log); err != nil {
			log.Fatal().Err(err).Msg("Postgres migration failed")
		}
	}

	if opts.projectID != "" {
		if err := migrateBigQuery(ctx, opts, log); err != nil {
			log.Fatal().Err(err).Msg("BigQuery migration failed")
		}
	}
}

// migratePostgres creates the event store schema.
func migratePostgres(ctx context.Context, dsn string, log zerolog.Logger) error {
	store, err := pgstore.Open(ctx, dsn, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("Event store schema is up to date")
	return nil
}

func migrateBigQuery(ctx context.Context, opts options, log zerolog.Logger) error {
	var fsys fs.FS = migrations.BigQuery
	dir := "bigquery"
	if opts.migrationsDir != "" {
		fsys, dir = os.DirFS(opts.migrationsDir), "."
	}

	// Create BigQuery client
	client, err := bigquery.NewClient(ctx, opts.projectID)
	if err != nil {
		return fmt.Errorf("creating BigQuery client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", opts.projectID).Str("dataset", opts.datasetID).Msg("Connected to BigQuery")

	table := fmt.Sprintf("`%s.%s.schema_migrations`", opts.projectID, opts.datasetID)

	// Ensure schema_migrations table exists
	if err := ensureSchemaMigrationsTable(ctx, client, table); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	all, err := readMigrations(fsys, dir, opts.projectID, opts.datasetID, log)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	log.Info().Int("count", len(all)).Msg("Found migration files")

	applied, err := getAppliedMigrations(ctx, client, table)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	todo, drifted := pending(all, applied)
	for _, m := range drifted {
		log.Warn().Str("migration", m.Filename).Msg("Applied migration changed since it ran; it is not re-applied")
	}

	// Apply pending migrations
	for _, migration := range todo {
		mlog := log.With().Str("migration", migration.Filename).Logger()
		mlog.Info().Msg("Applying migration")

		if err := runQuery(ctx, client.Query(migration.SQL)); err != nil {
			return fmt.Errorf("executing migration %s: %w", migration.Filename, err)
		}
		if err := recordMigration(ctx, client, table, migration, opts.appliedBy); err != nil {
			return fmt.Errorf("recording migration %s: %w", migration.Filename, err)
		}
		mlog.Info().Msg("Migration applied")
	}

	if len(todo) == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	} else {
		log.Info().Int("count", len(todo)).Msg("Successfully applied migrations")
	}
	return nil
}

// ensureSchemaMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureSchemaMigrationsTable(ctx context.Context, client *bigquery.Client, table string) error {
	return runQuery(ctx, client.Query(`
		CREATE TABLE IF NOT EXISTS `+table+` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`))
}

// readMigrations reads the migration files of dir in fsys, sorted by
// version, with placeholders replaced.
func readMigrations(fsys fs.FS, dir, projectID, datasetID string, log zerolog.Logger) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if matches == nil {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid format")
			continue
		}
		version, _ := strconv.Atoi(matches[1])
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, other, file.Name())
		}
		seen[version] = file.Name()

		content, err := fs.ReadFile(fsys, dir+"/"+file.Name())
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		// The checksum covers the file as written, so the target project
		// and dataset do not change it.
		out = append(out, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      render(string(content), projectID, datasetID),
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	// Sort by version
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func render(sql, projectID, datasetID string) string {
	sql = strings.ReplaceAll(sql, "{{PROJECT_ID}}", projectID)
	return strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)
}

// pending returns the migrations not applied yet, and the applied ones
// whose file no longer matches the recorded checksum.
func pending(all []Migration, applied []AppliedMigration) (todo, drifted []Migration) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}
	for _, m := range all {
		am, ok := byVersion[m.Version]
		switch {
		case !ok:
			todo = append(todo, m)
		case am.Checksum != "" && am.Checksum != m.Checksum:
			drifted = append(drifted, m)
		}
	}
	return todo, drifted
}

// getAppliedMigrations retrieves the list of already applied migrations
func getAppliedMigrations(ctx context.Context, client *bigquery.Client, table string) ([]AppliedMigration, error) {
	it, err := client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + table + `
		ORDER BY version ASC
	`).Read(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return []AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}

		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// recordMigration records a successfully applied migration in schema_migrations
func recordMigration(ctx context.Context, client *bigquery.Client, table string, migration Migration, appliedBy string) error {
	query := client.Query(`
		INSERT INTO ` + table + `
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`)
	query.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: migration.Version},
		{Name: "name", Value: migration.Name},
		{Name: "checksum", Value: migration.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return runQuery(ctx, query)
}

func runQuery(ctx context.Context, query *bigquery.Query) error {
	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
