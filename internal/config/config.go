package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr           string        `yaml:"addr"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	LLM struct {
		Provider         string        `yaml:"provider"`
		Model            string        `yaml:"model"`
		OpenRouterKey    string        `yaml:"openrouter_key"`
		OpenRouterURL    string        `yaml:"openrouter_url"`
		GeminiKey        string        `yaml:"gemini_key"`
		GeminiURL        string        `yaml:"gemini_url"`
		OpenAIKey        string        `yaml:"openai_key"`
		Timeout          time.Duration `yaml:"timeout"`
		RequestsPerSec   float64       `yaml:"requests_per_sec"`
		Burst            int           `yaml:"burst"`
		MaxContentChars  int           `yaml:"max_content_chars"`
		EnrichmentTTL    time.Duration `yaml:"enrichment_ttl"`
		RefineValidation bool          `yaml:"refine_validation"`
	} `yaml:"llm"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
		// AIScope is the token scope required on AI-backed routes. Empty
		// disables the check.
		AIScope string `yaml:"ai_scope"`
	} `yaml:"auth"`
	Security struct {
		TokenSigningKey string `yaml:"token_signing_key"`
	} `yaml:"security"`
	Billing struct {
		Provider            string `yaml:"provider"`
		StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
		ProPlanCode         string `yaml:"pro_plan_code"`
		PastDueGraceDays    int    `yaml:"past_due_grace_days"`
	} `yaml:"billing"`
	Plans struct {
		FreeMonthlyParses int `yaml:"free_monthly_parses"`
		FreeRecordCap     int `yaml:"free_record_cap"`
		RequestsPerMinute int `yaml:"requests_per_minute"`
	} `yaml:"plans"`
	Sync struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"sync"`
	Search struct {
		ElasticsearchURL string `yaml:"elasticsearch_url"`
		Index            string `yaml:"index"`
	} `yaml:"search"`
	Reminders struct {
		RabbitMQURL string        `yaml:"rabbitmq_url"`
		Queue       string        `yaml:"queue"`
		WindowDays  int           `yaml:"window_days"`
		Interval    time.Duration `yaml:"interval"`
	} `yaml:"reminders"`
	Feeds struct {
		URLs         []string      `yaml:"urls"`
		Keywords     []string      `yaml:"keywords"`
		LookbackDays int           `yaml:"lookback_days"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"feeds"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.AllowedOrigins = []string{"*"}
	cfg.HTTP.RequestTimeout = 60 * time.Second
	cfg.Dev.Mode = true
	cfg.LLM.Provider = "noop"
	cfg.LLM.OpenRouterURL = "https://openrouter.ai/api/v1"
	cfg.LLM.GeminiURL = "https://generativelanguage.googleapis.com/v1beta"
	cfg.LLM.Timeout = 45 * time.Second
	cfg.LLM.RequestsPerSec = 2
	cfg.LLM.Burst = 4
	cfg.LLM.MaxContentChars = 8000
	cfg.LLM.EnrichmentTTL = 24 * time.Hour
	cfg.LLM.RefineValidation = true
	cfg.Auth.AIScope = "convocatorias.ai"
	cfg.Billing.Provider = "stripe"
	cfg.Billing.ProPlanCode = "pro"
	cfg.Billing.PastDueGraceDays = 7
	cfg.Plans.FreeMonthlyParses = 10
	cfg.Plans.FreeRecordCap = 10
	cfg.Plans.RequestsPerMinute = 30
	cfg.Sync.MaxAttempts = 3
	cfg.Search.Index = "convocatorias"
	cfg.Reminders.Queue = "deadline_reminders"
	cfg.Reminders.WindowDays = 7
	cfg.Feeds.Keywords = []string{"convocatoria", "concurso", "fondo", "postulación"}
	cfg.Feeds.LookbackDays = 14
	cfg.Feeds.Timeout = 15 * time.Second
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the optional yaml file at path, then a .env file in the working
// directory, then CP_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if !cfg.Dev.Mode && strings.TrimSpace(cfg.Security.TokenSigningKey) == "" {
		return cfg, errors.New("missing security.token_signing_key (or CP_TOKEN_SIGNING_KEY)")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CP_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.RequestTimeout = d
		}
	}
	if v := os.Getenv("CP_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("CP_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CP_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CP_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("CP_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CP_OPENROUTER_API_KEY"); v != "" {
		cfg.LLM.OpenRouterKey = v
	}
	if v := os.Getenv("CP_OPENROUTER_URL"); v != "" {
		cfg.LLM.OpenRouterURL = v
	}
	if v := os.Getenv("CP_GEMINI_API_KEY"); v != "" {
		cfg.LLM.GeminiKey = v
	}
	if v := os.Getenv("CP_GEMINI_URL"); v != "" {
		cfg.LLM.GeminiURL = v
	}
	if v := os.Getenv("CP_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIKey = v
	}
	if v := os.Getenv("CP_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}
	if v := os.Getenv("CP_LLM_REQUESTS_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.RequestsPerSec = f
		}
	}
	if v := os.Getenv("CP_LLM_MAX_CONTENT_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxContentChars = n
		}
	}
	if v := os.Getenv("CP_LLM_REFINE_VALIDATION"); v != "" {
		cfg.LLM.RefineValidation = parseBool(v, cfg.LLM.RefineValidation)
	}
	if v := os.Getenv("CP_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CP_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("CP_AUTH_AI_SCOPE"); v != "" {
		cfg.Auth.AIScope = v
	}
	if v := os.Getenv("CP_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.TokenSigningKey = v
	}
	if v := os.Getenv("CP_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("CP_PRO_PLAN_CODE"); v != "" {
		cfg.Billing.ProPlanCode = v
	}
	if v := os.Getenv("CP_PAST_DUE_GRACE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Billing.PastDueGraceDays = n
		}
	}
	if v := os.Getenv("CP_FREE_MONTHLY_PARSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Plans.FreeMonthlyParses = n
		}
	}
	if v := os.Getenv("CP_FREE_RECORD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Plans.FreeRecordCap = n
		}
	}
	if v := os.Getenv("CP_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Plans.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("CP_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("CP_ELASTICSEARCH_URL"); v != "" {
		cfg.Search.ElasticsearchURL = v
	}
	if v := os.Getenv("CP_SEARCH_INDEX"); v != "" {
		cfg.Search.Index = v
	}
	if v := os.Getenv("CP_RABBITMQ_URL"); v != "" {
		cfg.Reminders.RabbitMQURL = v
	}
	if v := os.Getenv("CP_REMINDER_QUEUE"); v != "" {
		cfg.Reminders.Queue = v
	}
	if v := os.Getenv("CP_REMINDER_WINDOW_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reminders.WindowDays = n
		}
	}
	if v := os.Getenv("CP_REMINDER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reminders.Interval = d
		}
	}
	if v := os.Getenv("CP_FEED_URLS"); v != "" {
		cfg.Feeds.URLs = splitCSV(v)
	}
	if v := os.Getenv("CP_FEED_KEYWORDS"); v != "" {
		cfg.Feeds.Keywords = splitCSV(v)
	}
	if v := os.Getenv("CP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
