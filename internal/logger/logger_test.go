package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_LevelAndFields(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	lg := setup(&buf, "warn", false)

	lg.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	cl := Component("webhook")
	cl.Warn().Msg("kept")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["component"] != "webhook" || line["service"] != "whatsapp-crm" {
		t.Fatalf("unexpected fields: %v", line)
	}
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	setup(&buf, "chatty", false)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("level=%s, want info", zerolog.GlobalLevel())
	}
}
