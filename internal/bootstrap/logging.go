package bootstrap

import (
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	sloggin "github.com/samber/slog-gin"

	"github.com/aduggleby/octoporty-sub001/internal/config"
)

// SetupLogger installs the process-wide slog handler: tinted console output
// by default, JSON when LOG_JSON is set.
func SetupLogger(cfg *config.Config) {
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.SlogLevel(),
			TimeFormat: time.TimeOnly,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// GinLogger returns request logging middleware bound to the default logger.
// Health and status probes are skipped to keep the log readable.
func GinLogger() gin.HandlerFunc {
	return sloggin.NewWithFilters(slog.Default(), sloggin.IgnorePath("/status"))
}
