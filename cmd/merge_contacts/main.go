// Command merge_contacts re-normalizes stored contact identities and folds
// duplicates into a single row, moving their messages and conversations.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/database"
	"whatsapp-crm/internal/logger"
	"whatsapp-crm/internal/repository"
)

func main() {
	cfg := config.LoadConfig()
	lg := logger.Setup(cfg.LogLevel, cfg.LogPretty).With().Str("cmd", "merge_contacts").Logger()

	db, err := database.Open(cfg, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	merged, err := repository.MergeDuplicateContacts(context.Background(), db)
	if err != nil {
		log.Fatal().Err(err).Int("merged", merged).Msg("merge failed")
	}
	lg.Info().Int("merged", merged).Msg("duplicate contacts merged")
}
