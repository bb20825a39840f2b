// Command validate_flows compiles every stored flow and reports the problems
// found. It exits non-zero when the active flow does not compile.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/database"
	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/logger"
	"whatsapp-crm/internal/repository"
)

func main() {
	cfg := config.LoadConfig()
	lg := logger.Setup(cfg.LogLevel, cfg.LogPretty).With().Str("cmd", "validate_flows").Logger()

	db, err := database.Open(cfg, lg)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}

	all, err := repository.ListFlows(context.Background(), db)
	if err != nil {
		log.Fatal().Err(err).Msg("list flows failed")
	}

	activeBroken := false
	actives := 0
	for i := range all {
		f := &all[i]
		if f.Active {
			actives++
		}
		compiled, err := flows.Compile(f)
		if err != nil {
			lg.Warn().Uint("flow_id", f.ID).Bool("active", f.Active).Str("problems", err.Error()).Msg("flow invalid")
			if f.Active {
				activeBroken = true
			}
			continue
		}
		lg.Info().Uint("flow_id", f.ID).Str("name", f.Name).Bool("active", f.Active).
			Str("entry", compiled.Entry).Int("steps", len(f.Steps)).Msg("flow ok")
	}

	switch {
	case actives == 0:
		lg.Warn().Msg("no active flow; the default flow is seeded on first access only when the table is empty")
	case actives > 1:
		lg.Error().Int("active", actives).Msg("more than one flow is active")
		os.Exit(1)
	}
	if activeBroken {
		os.Exit(1)
	}
}
