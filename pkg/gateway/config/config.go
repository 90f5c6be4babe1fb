package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ResumptionBackend string

const (
	ResumptionFile   ResumptionBackend = "file"
	ResumptionBadger ResumptionBackend = "badger"
	ResumptionRedis  ResumptionBackend = "redis"
	ResumptionMemory ResumptionBackend = "memory"
)

const defaultSystemInstruction = `Bạn là trợ lý chăm sóc sức khỏe thân thiện dành cho người cao tuổi.
Nói chậm, rõ ràng, dùng từ ngữ đơn giản và luôn quan tâm đến sức khỏe của người dùng.
Khi người dùng muốn quét thuốc, hãy gọi switch_to_medicine_scan_screen.
Khi người dùng muốn quay lại màn hình chính, hãy gọi switch_to_main_screen.`

const defaultNotificationInstruction = `Bạn là hệ thống thông báo giọng nói cho ứng dụng chăm sóc sức khỏe người cao tuổi.
Đọc nguyên văn thông báo được gửi tới với giọng ấm áp, chậm và rõ ràng. Không thêm nội dung.`

type Config struct {
	Addr string

	// Upstream live AI service.
	GoogleAPIKey      string
	GenAIAPIVersion   string
	LiveModel         string
	VoiceName         string
	LanguageCode      string
	SystemInstruction string
	Temperature       float64
	TopP              float64

	// Voice notifications.
	NotificationModel       string
	NotificationInstruction string
	NotificationTemperature float64
	NotificationTopP        float64
	NotificationTimeout     time.Duration

	// Client websocket (/v1/live).
	HandshakeTimeout     time.Duration
	ClientMessageTimeout time.Duration
	KeepaliveInterval    time.Duration
	WSWriteTimeout       time.Duration
	MaxMessageBytes      int64

	// Session resumption.
	ResumptionBackend ResumptionBackend
	ResumptionFile    string
	ResumptionDir     string
	ResumptionMaxAge  time.Duration
	RedisURL          string

	// Conversation persistence; empty disables it.
	DatabaseURL     string
	DatabaseMigrate bool
	PersistTimeout  time.Duration

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Per-client limits; zero disables each one.
	LiveMaxSessionsPerClient int
	NotifyRPS                float64
	NotifyBurst              int

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsNamespace    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("CARE_ADDR", ":8080"),
		GoogleAPIKey:             envOr("CARE_GOOGLE_API_KEY", strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))),
		GenAIAPIVersion:          envOr("CARE_GENAI_API_VERSION", "v1beta"),
		LiveModel:                envOr("CARE_LIVE_MODEL", "gemini-live-2.5-flash-preview"),
		VoiceName:                envOr("CARE_VOICE_NAME", "Aoede"),
		LanguageCode:             envOr("CARE_LANGUAGE_CODE", "vi-VN"),
		SystemInstruction:        envOr("CARE_SYSTEM_INSTRUCTION", defaultSystemInstruction),
		Temperature:              envFloat64Or("CARE_TEMPERATURE", 0.7),
		TopP:                     envFloat64Or("CARE_TOP_P", 0.9),
		NotificationModel:        envOr("CARE_NOTIFICATION_MODEL", "gemini-live-2.5-flash-preview"),
		NotificationInstruction:  envOr("CARE_NOTIFICATION_INSTRUCTION", defaultNotificationInstruction),
		NotificationTemperature:  envFloat64Or("CARE_NOTIFICATION_TEMPERATURE", 0.3),
		NotificationTopP:         envFloat64Or("CARE_NOTIFICATION_TOP_P", 0.8),
		NotificationTimeout:      envDurationOr("CARE_NOTIFY_TIMEOUT", 30*time.Second),
		HandshakeTimeout:         envDurationOr("CARE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ClientMessageTimeout:     envDurationOr("CARE_CLIENT_MESSAGE_TIMEOUT", 120*time.Second),
		KeepaliveInterval:        envDurationOr("CARE_KEEPALIVE_INTERVAL", 30*time.Second),
		WSWriteTimeout:           envDurationOr("CARE_WS_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes:          envInt64Or("CARE_MAX_MESSAGE_BYTES", 8<<20), // 8 MiB, image chunks are large
		ResumptionBackend:        ResumptionBackend(strings.ToLower(envOr("CARE_RESUMPTION_BACKEND", string(ResumptionFile)))),
		ResumptionFile:           envOr("CARE_RESUMPTION_FILE", "session_handle.json"),
		ResumptionDir:            envOr("CARE_RESUMPTION_DIR", "data/resumption"),
		ResumptionMaxAge:         envDurationOr("CARE_RESUMPTION_MAX_AGE", 60*time.Second),
		RedisURL:                 strings.TrimSpace(os.Getenv("CARE_REDIS_URL")),
		DatabaseURL:              strings.TrimSpace(os.Getenv("CARE_DATABASE_URL")),
		DatabaseMigrate:          envBoolOr("CARE_DATABASE_AUTO_MIGRATE", false),
		PersistTimeout:           envDurationOr("CARE_PERSIST_TIMEOUT", 5*time.Second),
		CORSAllowedOrigins:       make(map[string]struct{}),
		LiveMaxSessionsPerClient: int(envInt64Or("CARE_LIVE_MAX_SESSIONS_PER_CLIENT", 4)),
		NotifyRPS:                envFloat64Or("CARE_NOTIFY_RPS", 1),
		NotifyBurst:              int(envInt64Or("CARE_NOTIFY_BURST", 5)),
		ReadHeaderTimeout:        envDurationOr("CARE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("CARE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:         envOr("CARE_METRICS_NAMESPACE", "care"),
	}

	for _, origin := range splitCSV(os.Getenv("CARE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, named by its env var.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.GoogleAPIKey) == "" {
		return fmt.Errorf("CARE_GOOGLE_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		return fmt.Errorf("CARE_LIVE_MODEL must not be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("CARE_TEMPERATURE must be within [0, 2]")
	}
	if cfg.TopP < 0 || cfg.TopP > 1 {
		return fmt.Errorf("CARE_TOP_P must be within [0, 1]")
	}
	if cfg.NotificationTemperature < 0 || cfg.NotificationTemperature > 2 {
		return fmt.Errorf("CARE_NOTIFICATION_TEMPERATURE must be within [0, 2]")
	}
	if cfg.NotificationTopP < 0 || cfg.NotificationTopP > 1 {
		return fmt.Errorf("CARE_NOTIFICATION_TOP_P must be within [0, 1]")
	}
	if cfg.NotificationTimeout <= 0 {
		return fmt.Errorf("CARE_NOTIFY_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("CARE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ClientMessageTimeout <= 0 {
		return fmt.Errorf("CARE_CLIENT_MESSAGE_TIMEOUT must be > 0")
	}
	if cfg.KeepaliveInterval <= 0 {
		return fmt.Errorf("CARE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("CARE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("CARE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ResumptionMaxAge <= 0 {
		return fmt.Errorf("CARE_RESUMPTION_MAX_AGE must be > 0")
	}
	switch cfg.ResumptionBackend {
	case ResumptionFile:
		if strings.TrimSpace(cfg.ResumptionFile) == "" {
			return fmt.Errorf("CARE_RESUMPTION_FILE must not be empty when CARE_RESUMPTION_BACKEND=file")
		}
	case ResumptionBadger:
		if strings.TrimSpace(cfg.ResumptionDir) == "" {
			return fmt.Errorf("CARE_RESUMPTION_DIR must not be empty when CARE_RESUMPTION_BACKEND=badger")
		}
	case ResumptionRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("CARE_REDIS_URL must be set when CARE_RESUMPTION_BACKEND=redis")
		}
	case ResumptionMemory:
	default:
		return fmt.Errorf("CARE_RESUMPTION_BACKEND must be one of file|badger|redis|memory")
	}
	if cfg.DatabaseMigrate && cfg.DatabaseURL == "" {
		return fmt.Errorf("CARE_DATABASE_URL must be set when CARE_DATABASE_AUTO_MIGRATE=true")
	}
	if cfg.PersistTimeout <= 0 {
		return fmt.Errorf("CARE_PERSIST_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionsPerClient < 0 {
		return fmt.Errorf("CARE_LIVE_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.NotifyRPS < 0 || cfg.NotifyBurst < 0 {
		return fmt.Errorf("CARE_NOTIFY_RPS and CARE_NOTIFY_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("CARE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("CARE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
