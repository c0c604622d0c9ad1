package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

// RequestMetrics is one traced API call, broken down by transport phase.
type RequestMetrics struct {
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	PayloadKB  float64
	ConnReused bool
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: MINUTE_LOG_PATH environment variable
	envPath := os.Getenv("MINUTE_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	f, err := os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	diagFile = f

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Request logs one traced remote API call.
func Request(op string, status int, m RequestMetrics) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Str("op", op).
		Int("status", status).
		Str("conn", connStatus).
		Float64("dns_ms", m.DNSMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Float64("payload_kb", m.PayloadKB).
		Msg("api_request")
}

// Chunk logs one persisted capture chunk.
func Chunk(sessionID, stream string, idx int, rawKB, storedKB float64, compressed bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("stream", stream).
		Int("idx", idx).
		Float64("raw_kb", rawKB).
		Float64("stored_kb", storedKB).
		Bool("compressed", compressed).
		Msg("chunk")
}

// CaptureIntegrity records a non-fatal capture problem (lost interval,
// failed chunk write) that degraded but did not stop the recording.
func CaptureIntegrity(sessionID, stream, detail string) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("session", sessionID).
		Str("stream", stream).
		Msg("capture_integrity: " + detail)
}

// SyncPass logs the outcome of one reconciliation pass.
func SyncPass(uploaded, drained, refreshed int, durMs float64, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Str("error", err.Error())
	}
	ev.Int("uploaded", uploaded).
		Int("outbox_drained", drained).
		Int("refreshed", refreshed).
		Float64("total_ms", durMs).
		Msg("sync_pass")
}

// OutboxAttempt logs one replay attempt of a pending mutation.
func OutboxAttempt(itemID int64, sessionID, op string, attempt int, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Str("error", err.Error())
	}
	ev.Int64("item", itemID).
		Str("session", sessionID).
		Str("op", op).
		Int("attempt", attempt).
		Msg("outbox_attempt")
}

// OutboxExhausted marks an item that ran out of retries.
func OutboxExhausted(itemID int64, sessionID, op string, attempts int) {
	if !logReady {
		return
	}
	diagLog.Error().
		Int64("item", itemID).
		Str("session", sessionID).
		Str("op", op).
		Int("attempts", attempts).
		Msg("outbox_exhausted")
}

func SessionStart(apiURL, scope string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("api", apiURL).
		Str("scope", scope).
		Msg("session_start")
}

func SessionEnd(pendingIntents int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("pending_intents", pendingIntents).
		Msg("session_end")
}
