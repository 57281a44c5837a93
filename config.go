package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mailbox struct {
	User    string   `yaml:"user"`
	Folders []string `yaml:"folders"`
}

type Config struct {
	MailGatewayURL      string `yaml:"mail_gateway_url"`
	AsanaGatewayURL     string `yaml:"asana_gateway_url"`
	WarehouseGatewayURL string `yaml:"warehouse_gateway_url"`
	WarehouseTool       string `yaml:"warehouse_tool"`
	MailToolPrefix      string `yaml:"mail_tool_prefix"`

	Mailboxes []Mailbox `yaml:"mailboxes"`
	Principal string    `yaml:"principal"`

	AsanaUserGID     string `yaml:"asana_user_gid"`
	AsanaDashboard   string `yaml:"asana_dashboard_project"`
	AsanaWeeklyItems string `yaml:"asana_weekly_items_project"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`
	BatchSize       int    `yaml:"batch_size"`

	CallTimeoutSecs     int `yaml:"call_timeout_seconds"`
	CallRetries         int `yaml:"call_retries"`
	FetchConcurrency    int `yaml:"fetch_concurrency"`
	PipelineDeadlineSec int `yaml:"pipeline_deadline_seconds"`
	DeadlineMarginSecs  int `yaml:"deadline_margin_seconds"`

	FilterRulesPath string `yaml:"filter_rules_path"`

	BriefingTable string `yaml:"briefing_table"`
	TaskTable     string `yaml:"task_table"`
	HiveMindTable string `yaml:"hive_mind_table"`

	DBPath        string `yaml:"db_path"`
	ListenAddr    string `yaml:"listen_addr"`
	WebhookSecret string `yaml:"webhook_secret"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	BriefingCron string `yaml:"briefing_cron"`
	TriageCron   string `yaml:"triage_cron"`
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.MailGatewayURL, "MAIL_GATEWAY_URL")
	envOverride(&cfg.AsanaGatewayURL, "ASANA_GATEWAY_URL")
	envOverride(&cfg.WarehouseGatewayURL, "WAREHOUSE_GATEWAY_URL")
	envOverride(&cfg.WarehouseTool, "WAREHOUSE_TOOL")
	envOverride(&cfg.MailToolPrefix, "MAIL_TOOL_PREFIX")
	envOverride(&cfg.Principal, "PRINCIPAL")
	envOverride(&cfg.AsanaUserGID, "ASANA_USER_GID")
	envOverride(&cfg.AsanaDashboard, "ASANA_DASHBOARD_PROJECT")
	envOverride(&cfg.AsanaWeeklyItems, "ASANA_WEEKLY_ITEMS_PROJECT")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideInt(&cfg.BatchSize, "BATCH_SIZE")
	envOverrideInt(&cfg.CallTimeoutSecs, "CALL_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.CallRetries, "CALL_RETRIES")
	envOverrideInt(&cfg.FetchConcurrency, "FETCH_CONCURRENCY")
	envOverrideInt(&cfg.PipelineDeadlineSec, "PIPELINE_DEADLINE_SECONDS")
	envOverrideInt(&cfg.DeadlineMarginSecs, "DEADLINE_MARGIN_SECONDS")
	envOverride(&cfg.FilterRulesPath, "FILTER_RULES_PATH")
	envOverride(&cfg.BriefingTable, "BRIEFING_TABLE")
	envOverride(&cfg.TaskTable, "TASK_TABLE")
	envOverride(&cfg.HiveMindTable, "HIVE_MIND_TABLE")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.BriefingCron, "BRIEFING_CRON")
	envOverride(&cfg.TriageCron, "TRIAGE_CRON")

	// Defaults
	if cfg.WarehouseTool == "" {
		cfg.WarehouseTool = "query_snowflake"
	}
	if cfg.MailToolPrefix == "" {
		cfg.MailToolPrefix = "m365_"
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultAnthropicModel
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.CallTimeoutSecs == 0 {
		cfg.CallTimeoutSecs = 15
	}
	if cfg.CallRetries == 0 {
		cfg.CallRetries = 2
	}
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 8
	}
	if cfg.PipelineDeadlineSec == 0 {
		cfg.PipelineDeadlineSec = 120
	}
	if cfg.DeadlineMarginSecs == 0 {
		cfg.DeadlineMarginSecs = 10
	}
	if cfg.BriefingTable == "" {
		cfg.BriefingTable = "SOVEREIGN_MIND.RAW.EMAIL_BRIEFING_RESULTS"
	}
	if cfg.TaskTable == "" {
		cfg.TaskTable = "SOVEREIGN_MIND.RAW.ASANA_TASK_ANALYSIS"
	}
	if cfg.HiveMindTable == "" {
		cfg.HiveMindTable = "SOVEREIGN_MIND.RAW.HIVE_MIND"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./abbi.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Principal == "" {
		cfg.Principal = "the executive"
	}

	// Validate required fields
	required := map[string]string{
		"mail_gateway_url":      cfg.MailGatewayURL,
		"asana_gateway_url":     cfg.AsanaGatewayURL,
		"warehouse_gateway_url": cfg.WarehouseGatewayURL,
		"anthropic_api_key":     cfg.AnthropicAPIKey,
		"webhook_secret":        cfg.WebhookSecret,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	if len(cfg.Mailboxes) == 0 {
		log.Fatalf("At least one mailbox must be configured")
	}
	for _, mb := range cfg.Mailboxes {
		if strings.TrimSpace(mb.User) == "" {
			log.Fatalf("mailbox entry with empty user")
		}
		if len(mb.Folders) == 0 {
			log.Fatalf("mailbox '%s' has no folders", mb.User)
		}
	}

	if cfg.BatchSize < 1 {
		log.Fatalf("invalid batch_size '%d': must be >= 1", cfg.BatchSize)
	}
	if cfg.CallRetries < 0 {
		log.Fatalf("invalid call_retries '%d': must be >= 0", cfg.CallRetries)
	}
	if cfg.FetchConcurrency < 1 {
		log.Fatalf("invalid fetch_concurrency '%d': must be >= 1", cfg.FetchConcurrency)
	}
	if cfg.PipelineDeadlineSec <= cfg.DeadlineMarginSecs {
		log.Fatalf("pipeline_deadline_seconds '%d' must exceed deadline_margin_seconds '%d'",
			cfg.PipelineDeadlineSec, cfg.DeadlineMarginSecs)
	}
	if cfg.FilterRulesPath != "" {
		if _, err := LoadFilterRules(cfg.FilterRulesPath); err != nil {
			log.Fatalf("invalid filter_rules_path '%s': %v", cfg.FilterRulesPath, err)
		}
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannelID == "" {
		log.Fatalf("slack_channel_id is required when slack_bot_token is set")
	}

	return cfg
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

func (c Config) PipelineDeadline() time.Duration {
	return time.Duration(c.PipelineDeadlineSec) * time.Second
}

func (c Config) DeadlineMargin() time.Duration {
	return time.Duration(c.DeadlineMarginSecs) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
