// Command sync_sequences realigns postgres id sequences after rows were
// copied in with explicit ids (see migrate_data).
package main

import (
	"github.com/rs/zerolog/log"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/database"
	"whatsapp-crm/internal/logger"
	"whatsapp-crm/internal/models"
)

func main() {
	cfg := config.LoadConfig()
	lg := logger.Setup(cfg.LogLevel, cfg.LogPretty).With().Str("cmd", "sync_sequences").Logger()

	if cfg.DBDriver != "postgres" {
		log.Fatal().Str("driver", cfg.DBDriver).Msg("sequences only exist on postgres")
	}
	db, err := database.Open(cfg, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}

	tables := []string{
		models.Contact{}.TableName(),
		models.Campaign{}.TableName(),
		models.Message{}.TableName(),
		models.Conversation{}.TableName(),
		models.Flow{}.TableName(),
		models.FlowStep{}.TableName(),
	}

	failed := 0
	for _, table := range tables {
		query := "SELECT setval(pg_get_serial_sequence('" + table + "', 'id'), coalesce(max(id), 0) + 1, false) FROM " + table
		if err := db.Exec(query).Error; err != nil {
			failed++
			lg.Error().Err(err).Str("table", table).Msg("sequence sync failed")
			continue
		}
		lg.Info().Str("table", table).Msg("sequence synced")
	}
	if failed > 0 {
		log.Fatal().Int("failed", failed).Msg("some sequences were not synced")
	}
}
