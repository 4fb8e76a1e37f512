package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// NormalizeLocalViewer keeps the API on loopback and returns the listen
// address and the base URL clients use.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(cfgPath, dataDir, surfaceID string) {
	log.Info().Msg("────────────────────────────────────────")
	log.Info().Msg("callsync surface")
	log.Info().Msgf(" Config file : %s", cfgPath)
	log.Info().Msgf(" Data folder : %s", dataDir)
	log.Info().Msgf(" Surface id  : %s", surfaceID)
	log.Info().Msg("")
	log.Info().Msg(" Surfaces sharing a data folder share one call.")
	log.Info().Msg("────────────────────────────────────────")
}
