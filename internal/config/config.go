package config

import "time"

type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Bus     BusConfig     `mapstructure:"bus"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Tracer  TracerConfig  `mapstructure:"tracer"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

type ServiceConfig struct {
	Name            string        `mapstructure:"name"`
	Env             string        `mapstructure:"env"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `mapstructure:"heartbeat_jitter"`
	HeartbeatGrace    time.Duration `mapstructure:"heartbeat_grace"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ResumeWindow      time.Duration `mapstructure:"resume_window"`
	ResumeBufferSize  int           `mapstructure:"resume_buffer_size"`
	OutboundQueueSize int           `mapstructure:"outbound_queue_size"`
	PresenceDebounce  time.Duration `mapstructure:"presence_debounce"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
	MemberChunkSize   int           `mapstructure:"member_chunk_size"`
}

type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

type BusConfig struct {
	Driver   string         `mapstructure:"driver"`
	Group    string         `mapstructure:"group"`
	Redis    RedisBusConfig `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RedisBusConfig struct {
	Stream string        `mapstructure:"stream"`
	MaxLen int64         `mapstructure:"max_len"`
	Block  time.Duration `mapstructure:"block"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	AdminToken string        `mapstructure:"admin_token"`
}

type TracerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
