package config

const (
	defaultConfigPath          = "~/.config/blendctl/config.toml"
	defaultListenAddr          = "127.0.0.1:8470"
	defaultBackend             = "bluez"
	defaultAdapter             = "hci0"
	defaultServiceUUID         = "a9422624-7662-471d-bba5-706b53e78ac6"
	defaultWriteUUID           = "a9422625-7662-471d-bba5-706b53e78ac6"
	defaultNotifyUUID          = "a9422626-7662-471d-bba5-706b53e78ac6"
	defaultMTU                 = 185
	defaultMaxRetries          = 3
	defaultRetryDelayMS        = 1000
	defaultSettleDelayMS       = 600
	defaultConnectTimeoutMS    = 15000
	defaultDisconnectTimeoutMS = 2500
	defaultPruneIntervalMS     = 1000
	defaultFreshnessMS         = 5000
	defaultRemotePort          = 9877
	defaultRemotePath          = "/remote"
	defaultRemoteRetrySeconds  = 5
	defaultKeepaliveSeconds    = 20
	defaultSyncRole            = "responder"
	defaultSyncListenAddr      = ":9878"
	defaultStorePath           = "~/.local/share/blendctl/journal.db"
	defaultRetentionHours      = 72
	defaultDebounceMS          = 1000
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
)

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Gateway: Gateway{ListenAddr: defaultListenAddr},
		Bluetooth: Bluetooth{
			Backend:             defaultBackend,
			Adapter:             defaultAdapter,
			ServiceUUID:         defaultServiceUUID,
			WriteUUID:           defaultWriteUUID,
			NotifyUUID:          defaultNotifyUUID,
			MTU:                 defaultMTU,
			MaxRetries:          defaultMaxRetries,
			RetryDelayMS:        defaultRetryDelayMS,
			SettleDelayMS:       defaultSettleDelayMS,
			ConnectTimeoutMS:    defaultConnectTimeoutMS,
			DisconnectTimeoutMS: defaultDisconnectTimeoutMS,
			PruneIntervalMS:     defaultPruneIntervalMS,
			FreshnessMS:         defaultFreshnessMS,
			WatchHotplug:        true,
		},
		Remote: Remote{
			Port:                 defaultRemotePort,
			Path:                 defaultRemotePath,
			RetryIntervalSeconds: defaultRemoteRetrySeconds,
			KeepaliveSeconds:     defaultKeepaliveSeconds,
		},
		Sync: Sync{
			Role:       defaultSyncRole,
			ListenAddr: defaultSyncListenAddr,
		},
		Store: Store{
			Path:           defaultStorePath,
			RetentionHours: defaultRetentionHours,
		},
		Discovery: Discovery{DebounceMS: defaultDebounceMS},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
