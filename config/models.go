package config

type AppConfig struct {
	Workdir     string `envconfig:"WORK_DIR"`
	Port        string `envconfig:"PORT" default:"8765"`
	DatabaseUri string `envconfig:"DATABASE_URI" default:"capacityhub.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"4"`
	LogToFile   bool   `envconfig:"LOG_TO_FILE" default:"true"`
	LogDBQueries bool  `envconfig:"LOG_DB_QUERIES" default:"false"`

	LNDAddress      string `envconfig:"LND_ADDRESS" default:"127.0.0.1:10009"`
	LNDCertFile     string `envconfig:"LND_CERT_FILE"`
	LNDMacaroonFile string `envconfig:"LND_MACAROON_FILE"`

	// the relay's websocket endpoint, dialed by the backend processes
	RelayWebsocketUrl string `envconfig:"RELAY_WEBSOCKET_URL" default:"ws://localhost:8765/ws"`

	MempoolApi       string `envconfig:"MEMPOOL_API" default:"https://mempool.space/api"`
	BlockExplorerUrl string `envconfig:"BLOCK_EXPLORER_URL" default:"https://blockstream.info"`

	SMTPHost      string `envconfig:"SMTP_HOST"`
	SMTPPort      string `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser      string `envconfig:"SMTP_USER"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	NotifyFrom    string `envconfig:"NOTIFY_FROM"`
	NotifyTo      string `envconfig:"NOTIFY_TO"`
}

type Config interface {
	Get(key string) (string, error)
	SetIgnore(key string, value string) error
	SetUpdate(key string, value string) error
	GetServerID(serverName string) (string, error)
	GetEnv() *AppConfig
	GetDefaultWorkDir() string
}
