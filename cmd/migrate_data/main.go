// Command migrate_data copies every table from a sqlite database into the
// configured postgres database, keeping ids. Run sync_sequences afterwards.
package main

import (
	"flag"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/database"
	"whatsapp-crm/internal/logger"
	"whatsapp-crm/internal/models"
)

const batchSize = 500

func main() {
	cfg := config.LoadConfig()
	lg := logger.Setup(cfg.LogLevel, cfg.LogPretty).With().Str("cmd", "migrate_data").Logger()

	src := flag.String("sqlite", cfg.DBPath, "path of the source sqlite database")
	flag.Parse()

	if cfg.DBDriver != "postgres" {
		log.Fatal().Msg("destination must be postgres: set DB_DRIVER=postgres and DATABASE_URL")
	}

	sqliteDB, err := gorm.Open(sqlite.Open(*src), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Str("path", *src).Msg("open sqlite failed")
	}
	pgDB, err := database.Open(cfg, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	if err := database.AutoMigrate(pgDB); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Parents before children so foreign keys resolve.
	steps := []struct {
		table string
		copy  func() (int, error)
	}{
		{"contacts", func() (int, error) { return copyTable[models.Contact](sqliteDB, pgDB) }},
		{"campaigns", func() (int, error) { return copyTable[models.Campaign](sqliteDB, pgDB) }},
		{"messages", func() (int, error) { return copyTable[models.Message](sqliteDB, pgDB) }},
		{"conversations", func() (int, error) { return copyTable[models.Conversation](sqliteDB, pgDB) }},
		{"flows", func() (int, error) { return copyTable[models.Flow](sqliteDB, pgDB) }},
		{"flow_steps", func() (int, error) { return copyTable[models.FlowStep](sqliteDB, pgDB) }},
	}
	for _, s := range steps {
		n, err := s.copy()
		if err != nil {
			log.Fatal().Err(err).Str("table", s.table).Msg("copy failed")
		}
		lg.Info().Str("table", s.table).Int("rows", n).Msg("table copied")
	}
	lg.Info().Msg("data migration complete")
}

// copyTable streams rows of T in id order. Rows already present in the
// destination are left alone, so the command can be re-run.
func copyTable[T any](src, dst *gorm.DB) (int, error) {
	total := 0
	var batch []T
	err := src.Model(new(T)).FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		res := dst.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&batch)
		if res.Error != nil {
			return fmt.Errorf("insert batch: %w", res.Error)
		}
		total += int(res.RowsAffected)
		return nil
	}).Error
	return total, err
}
