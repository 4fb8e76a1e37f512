package app

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/callsync/internal/config"
)

func TestSetupLogging(t *testing.T) {
	defer func(l zerolog.Logger, lvl zerolog.Level) {
		log.Logger = l
		zerolog.SetGlobalLevel(lvl)
	}(log.Logger, zerolog.GlobalLevel())

	var console, extra bytes.Buffer
	SetupLogging(config.Log{Level: "warn", Pretty: true}, &console, &extra)

	log.Info().Msg("hidden")
	log.Warn().Str("call_id", "c1").Msg("CALL [c1]: retrying")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "CALL [c1]: retrying")
	assert.NotContains(t, console.String(), `"message"`, "console is human formatted")
	assert.Contains(t, extra.String(), `"message":"CALL [c1]: retrying"`)
	assert.Contains(t, extra.String(), `"call_id":"c1"`)
}
