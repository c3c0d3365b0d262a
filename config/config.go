package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置结构体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Chat      ChatConfig      `yaml:"chat"`
	Transport TransportConfig `yaml:"transport"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port         string        `yaml:"port"`         // 服务器监听端口
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读取超时时间
	WriteTimeout time.Duration `yaml:"writeTimeout"` // 写入超时时间
	IdleTimeout  time.Duration `yaml:"idleTimeout"`  // 空闲超时时间
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`   // 数据库驱动类型
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	Username string `yaml:"username"` // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Database string `yaml:"database"` // 数据库名称
	Charset  string `yaml:"charset"`  // 字符集
	MaxIdle  int    `yaml:"maxIdle"`  // 最大空闲连接数
	MaxOpen  int    `yaml:"maxOpen"`  // 最大打开连接数
	LogSQL   bool   `yaml:"logSQL"`   // 是否输出SQL日志
}

// JWTConfig 会话JWT配置（REST接口身份）
type JWTConfig struct {
	Secret     string        `yaml:"secret"`     // JWT密钥
	ExpireTime time.Duration `yaml:"expireTime"` // JWT过期时间
	Issuer     string        `yaml:"issuer"`     // JWT签发者
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // 日志级别
	Filename   string `yaml:"filename"`   // 日志文件名
	MaxSize    int    `yaml:"maxSize"`    // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups"` // 最大备份文件数
	MaxAge     int    `yaml:"maxAge"`     // 最大保存天数
	Compress   bool   `yaml:"compress"`   // 是否压缩
	Console    bool   `yaml:"console"`    // 是否同时输出到控制台
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `yaml:"host"`     // Redis主机地址
	Port     int    `yaml:"port"`     // Redis端口
	Password string `yaml:"password"` // Redis密码
	DB       int    `yaml:"db"`       // Redis数据库编号
}

// WebSocketConfig WebSocket 心跳配置
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"` // 发送ping的间隔
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读超时时间（未收到任何数据则断开）
}

// ChatConfig 聊天配置
type ChatConfig struct {
	DefaultPageSize   int `yaml:"defaultPageSize"`   // 历史消息默认分页大小
	MaxPageSize       int `yaml:"maxPageSize"`       // 历史消息分页上限
	MaxContentLength  int `yaml:"maxContentLength"`  // 消息内容最大长度（字符）
	MaxAttachments    int `yaml:"maxAttachments"`    // 单条消息附件数上限
	UnreadConcurrency int `yaml:"unreadConcurrency"` // 未读汇总并发度
}

// TransportConfig 实时通道配置
type TransportConfig struct {
	CredentialMode string        `yaml:"credentialMode"` // grant(默认) 或 identity(降级模式)
	CredentialTTL  time.Duration `yaml:"credentialTTL"`  // 实时凭证有效期
	Secret         string        `yaml:"secret"`         // 授权凭证签名密钥
	Issuer         string        `yaml:"issuer"`         // 授权凭证签发者
	HistorySize    int           `yaml:"historySize"`    // 每个频道保留的实时历史条数
	HistoryTTL     time.Duration `yaml:"historyTTL"`     // 实时历史过期时间
	PresenceTTL    time.Duration `yaml:"presenceTTL"`    // 在线状态过期时间
}

// RateLimitConfig 发送限流配置
type RateLimitConfig struct {
	RPS     float64       `yaml:"rps"`     // 每个用户每秒允许的请求数
	Burst   int           `yaml:"burst"`   // 突发容量
	IdleTTL time.Duration `yaml:"idleTTL"` // 闲置多久后回收令牌桶
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	PresenceSweepCron  string `yaml:"presenceSweepCron"`  // 在线状态清理cron表达式
	RateLimitSweepCron string `yaml:"rateLimitSweepCron"` // 闲置限流桶回收cron表达式
}

// LoadConfig 加载配置（混合方式：YAML文件 + .env + 环境变量）
func LoadConfig() *Config {
	// 1. 首先从YAML文件加载默认配置
	config := loadFromYAML("config/config.yaml")

	// 2. 加载.env（不存在则忽略），不会覆盖已存在的环境变量
	_ = godotenv.Load()

	// 3. 用环境变量覆盖配置（环境变量优先级更高）
	overrideWithEnvVars(config)

	return config
}

// loadFromYAML 从YAML文件加载配置
func loadFromYAML(filePath string) *Config {
	config := getDefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		// 如果文件不存在，返回默认配置
		return config
	}

	// 在默认配置之上解析YAML，未配置的字段保持默认值
	if err := yaml.Unmarshal(data, config); err != nil {
		return getDefaultConfig()
	}

	return config
}

// overrideWithEnvVars 用环境变量覆盖配置
func overrideWithEnvVars(config *Config) {
	// 服务器配置
	if port := getEnv("SERVER_PORT", ""); port != "" {
		config.Server.Port = port
	}
	if timeout := getEnvDuration("SERVER_READ_TIMEOUT", 0); timeout > 0 {
		config.Server.ReadTimeout = timeout
	}
	if timeout := getEnvDuration("SERVER_WRITE_TIMEOUT", 0); timeout > 0 {
		config.Server.WriteTimeout = timeout
	}
	if timeout := getEnvDuration("SERVER_IDLE_TIMEOUT", 0); timeout > 0 {
		config.Server.IdleTimeout = timeout
	}

	// 数据库配置
	if host := getEnv("DB_HOST", ""); host != "" {
		config.Database.Host = host
	}
	if port := getEnvInt("DB_PORT", 0); port > 0 {
		config.Database.Port = port
	}
	if username := getEnv("DB_USERNAME", ""); username != "" {
		config.Database.Username = username
	}
	if password := getEnv("DB_PASSWORD", ""); password != "" {
		config.Database.Password = password
	}
	if database := getEnv("DB_DATABASE", ""); database != "" {
		config.Database.Database = database
	}
	if charset := getEnv("DB_CHARSET", ""); charset != "" {
		config.Database.Charset = charset
	}
	if maxIdle := getEnvInt("DB_MAX_IDLE", 0); maxIdle > 0 {
		config.Database.MaxIdle = maxIdle
	}
	if maxOpen := getEnvInt("DB_MAX_OPEN", 0); maxOpen > 0 {
		config.Database.MaxOpen = maxOpen
	}
	config.Database.LogSQL = getEnvBool("DB_LOG_SQL", config.Database.LogSQL)

	// JWT配置
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		config.JWT.Secret = secret
	}
	if expireTime := getEnvDuration("JWT_EXPIRE_TIME", 0); expireTime > 0 {
		config.JWT.ExpireTime = expireTime
	}
	if issuer := getEnv("JWT_ISSUER", ""); issuer != "" {
		config.JWT.Issuer = issuer
	}

	// 日志配置
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		config.Log.Level = level
	}
	if filename := getEnv("LOG_FILENAME", ""); filename != "" {
		config.Log.Filename = filename
	}
	if maxSize := getEnvInt("LOG_MAX_SIZE", 0); maxSize > 0 {
		config.Log.MaxSize = maxSize
	}
	if maxBackups := getEnvInt("LOG_MAX_BACKUPS", 0); maxBackups > 0 {
		config.Log.MaxBackups = maxBackups
	}
	if maxAge := getEnvInt("LOG_MAX_AGE", 0); maxAge > 0 {
		config.Log.MaxAge = maxAge
	}
	config.Log.Console = getEnvBool("LOG_CONSOLE", config.Log.Console)

	// Redis配置
	if host := getEnv("REDIS_HOST", ""); host != "" {
		config.Redis.Host = host
	}
	if port := getEnvInt("REDIS_PORT", 0); port > 0 {
		config.Redis.Port = port
	}
	if password := getEnv("REDIS_PASSWORD", ""); password != "" {
		config.Redis.Password = password
	}
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		config.Redis.DB = db
	}

	// WebSocket配置
	if d := getEnvDuration("WS_PING_INTERVAL", 0); d > 0 {
		config.WebSocket.PingInterval = d
	}
	if d := getEnvDuration("WS_READ_TIMEOUT", 0); d > 0 {
		config.WebSocket.ReadTimeout = d
	}

	// 聊天配置
	if n := getEnvInt("CHAT_DEFAULT_PAGE_SIZE", 0); n > 0 {
		config.Chat.DefaultPageSize = n
	}
	if n := getEnvInt("CHAT_MAX_PAGE_SIZE", 0); n > 0 {
		config.Chat.MaxPageSize = n
	}
	if n := getEnvInt("CHAT_MAX_CONTENT_LENGTH", 0); n > 0 {
		config.Chat.MaxContentLength = n
	}
	if n := getEnvInt("CHAT_UNREAD_CONCURRENCY", 0); n > 0 {
		config.Chat.UnreadConcurrency = n
	}

	// 实时通道配置
	if mode := getEnv("TRANSPORT_CREDENTIAL_MODE", ""); mode != "" {
		config.Transport.CredentialMode = mode
	}
	if d := getEnvDuration("TRANSPORT_CREDENTIAL_TTL", 0); d > 0 {
		config.Transport.CredentialTTL = d
	}
	if secret := getEnv("TRANSPORT_SECRET", ""); secret != "" {
		config.Transport.Secret = secret
	}
	if n := getEnvInt("TRANSPORT_HISTORY_SIZE", 0); n > 0 {
		config.Transport.HistorySize = n
	}
	if d := getEnvDuration("TRANSPORT_PRESENCE_TTL", 0); d > 0 {
		config.Transport.PresenceTTL = d
	}

	// 限流配置
	if v := getEnv("RATE_LIMIT_RPS", ""); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			config.RateLimit.RPS = rps
		}
	}
	if burst := getEnvInt("RATE_LIMIT_BURST", 0); burst > 0 {
		config.RateLimit.Burst = burst
	}
	if d := getEnvDuration("RATE_LIMIT_IDLE_TTL", 0); d > 0 {
		config.RateLimit.IdleTTL = d
	}

	// 定时任务配置
	if expr := getEnv("PRESENCE_SWEEP_CRON", ""); expr != "" {
		config.Scheduler.PresenceSweepCron = expr
	}
	if expr := getEnv("RATE_LIMIT_SWEEP_CRON", ""); expr != "" {
		config.Scheduler.RateLimitSweepCron = expr
	}
}

// getDefaultConfig 获取默认配置
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			Username: "eventchat",
			Password: "",
			Database: "eventchat",
			Charset:  "utf8mb4",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		JWT: JWTConfig{
			Secret:     "change-me-session-secret",
			ExpireTime: 24 * time.Hour,
			Issuer:     "eventchat",
		},
		Log: LogConfig{
			Level:      "info",
			Filename:   "logs/app.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  90 * time.Second,
		},
		Chat: ChatConfig{
			DefaultPageSize:   50,
			MaxPageSize:       200,
			MaxContentLength:  5000,
			MaxAttachments:    10,
			UnreadConcurrency: 8,
		},
		Transport: TransportConfig{
			CredentialMode: "grant",
			CredentialTTL:  24 * time.Hour,
			Secret:         "change-me-transport-secret",
			Issuer:         "eventchat-realtime",
			HistorySize:    100,
			HistoryTTL:     7 * 24 * time.Hour,
			PresenceTTL:    60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:     5,
			Burst:   10,
			IdleTTL: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			PresenceSweepCron:  "* * * * *",
			RateLimitSweepCron: "*/5 * * * *",
		},
	}
}

// 辅助函数：获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 辅助函数：获取整数环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 辅助函数：获取布尔环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// 辅助函数：获取时间环境变量
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
