package node

import "time"

// Default tunables.
const (
	DefaultPingInterval       = 5 * time.Second
	DefaultPingMaxDelay       = 10 * time.Second
	DefaultPingReviewInterval = 10 * time.Second

	DefaultConnectionExpireCollectInterval = 3 * time.Second
	DefaultConnectionExpireCheckInterval   = 6 * time.Second

	DefaultMetricsExportInterval   = 10 * time.Second
	DefaultStructureUpdateInterval = 30 * time.Second

	DefaultPresencePingInterval = 25 * time.Second

	DefaultMaxChannelLength      = 255
	DefaultAdminAPIMessageLimit  = 100
	DefaultClientAPIMessageLimit = 100

	DefaultOwnerAPIProjectID    = "_"
	DefaultOwnerAPIProjectParam = "_project"
)

// Channel grammar separators.
const (
	NamespaceSeparator   = ":"
	UserChannelSeparator = "#"
	UserListSeparator    = ","
	PrivateChannelPrefix = "$"
)

// Config holds the node runtime settings.
type Config struct {
	// Name is the human readable node name gossiped to peers.
	Name string `json:"name" yaml:"name"`

	// APISecret signs owner API requests.
	APISecret string `json:"api_secret" yaml:"api_secret"`

	// Insecure admits connections without token and timestamp checks.
	// Demo setups only.
	Insecure bool `json:"insecure" yaml:"insecure"`

	PingInterval       time.Duration `json:"ping_interval" yaml:"ping_interval"`
	PingMaxDelay       time.Duration `json:"ping_max_delay" yaml:"ping_max_delay"`
	PingReviewInterval time.Duration `json:"ping_review_interval" yaml:"ping_review_interval"`

	ConnectionExpireCollectInterval time.Duration `json:"connection_expire_collect_interval" yaml:"connection_expire_collect_interval"`
	ConnectionExpireCheckInterval   time.Duration `json:"connection_expire_check_interval" yaml:"connection_expire_check_interval"`

	MetricsExportInterval   time.Duration `json:"metrics_export_interval" yaml:"metrics_export_interval"`
	StructureUpdateInterval time.Duration `json:"structure_update_interval" yaml:"structure_update_interval"`

	PresencePingInterval time.Duration `json:"presence_ping_interval" yaml:"presence_ping_interval"`

	MaxChannelLength      int `json:"max_channel_length" yaml:"max_channel_length"`
	AdminAPIMessageLimit  int `json:"admin_api_message_limit" yaml:"admin_api_message_limit"`
	ClientAPIMessageLimit int `json:"client_api_message_limit" yaml:"client_api_message_limit"`

	OwnerAPIProjectID    string `json:"owner_api_project_id" yaml:"owner_api_project_id"`
	OwnerAPIProjectParam string `json:"owner_api_project_param" yaml:"owner_api_project_param"`
}

// DefaultConfig returns the node defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:                    DefaultPingInterval,
		PingMaxDelay:                    DefaultPingMaxDelay,
		PingReviewInterval:              DefaultPingReviewInterval,
		ConnectionExpireCollectInterval: DefaultConnectionExpireCollectInterval,
		ConnectionExpireCheckInterval:   DefaultConnectionExpireCheckInterval,
		MetricsExportInterval:           DefaultMetricsExportInterval,
		StructureUpdateInterval:         DefaultStructureUpdateInterval,
		PresencePingInterval:            DefaultPresencePingInterval,
		MaxChannelLength:                DefaultMaxChannelLength,
		AdminAPIMessageLimit:            DefaultAdminAPIMessageLimit,
		ClientAPIMessageLimit:           DefaultClientAPIMessageLimit,
		OwnerAPIProjectID:               DefaultOwnerAPIProjectID,
		OwnerAPIProjectParam:            DefaultOwnerAPIProjectParam,
	}
}
