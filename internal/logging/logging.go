package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	initLogger(os.Stdout, debug, human)
}

func initLogger(out io.Writer, debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano            // always initialize base logger with timestamp.
	base := zerolog.New(out).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// FromConfig maps the log.level and log.format settings onto InitLogger.
func FromConfig(level, format string) {
	InitLogger(strings.EqualFold(level, "debug"), !strings.EqualFold(format, "json"))
}

// LogRequest logs a frame received by the host simulator.
func LogRequest(clientIP, op string, size, activeConns int) {
	log.Info().
		Str("event", "request_received").
		Str("client_ip", clientIP).
		Str("op", op).
		Int("size", size).
		Int("active_connections", activeConns).
		Msg("received request")
}

// LogResponse logs a reply sent by the host simulator.
func LogResponse(clientIP, op, errText string, size int, took time.Duration) {
	ev := log.Info()
	if errText != "" {
		ev = log.Warn().Str("error", errText)
	}
	ev.Str("event", "response_sent").
		Str("client_ip", clientIP).
		Str("op", op).
		Int("size", size).
		Dur("duration", took).
		Msg("sent response")
}

// AnetLogger implements anet.Logger using zerolog.
type AnetLogger struct{}

func (AnetLogger) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (AnetLogger) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (AnetLogger) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (AnetLogger) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (AnetLogger) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}
