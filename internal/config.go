package internal

import "time"

type Config struct {
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH,required=true"`
	LogLevel       string `env:"LOG_LEVEL,required=true"`

	// Mesh transport
	MeshListenAddr string        `env:"MESH_LISTEN_ADDR"`
	MeshPeers      string        `env:"MESH_PEERS"` // comma-separated id=addr pairs, the static discovery oracle
	DialBackoff    time.Duration `env:"DIAL_BACKOFF,default=500ms"`
	DialBackoffMax time.Duration `env:"DIAL_BACKOFF_MAX,default=8s"`
	DialRetries    int           `env:"DIAL_RETRIES,default=4"`

	// Relay transport
	RelayURL       string        `env:"RELAY_URL"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,default=10s"`
	SendTimeout    time.Duration `env:"SEND_TIMEOUT,default=5s"`

	// Store
	MessageLimit    int           `env:"MESSAGE_LIMIT,default=50"`
	Retention       time.Duration `env:"RETENTION,default=720h"`
	PurgeInterval   time.Duration `env:"PURGE_INTERVAL,default=1h"`
	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=10s"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=200ms"`

	// Development
	DebugPort int `env:"DEBUG_PORT,default=0"` // 0 disables the inspector
}
