package structure

// ChannelOptions define channel behaviour within a namespace, or the
// project-wide defaults when a channel has no namespace prefix.
type ChannelOptions struct {
	Publish         bool   `json:"publish" yaml:"publish"`
	Anonymous       bool   `json:"anonymous" yaml:"anonymous"`
	Presence        bool   `json:"presence" yaml:"presence"`
	History         bool   `json:"history" yaml:"history"`
	JoinLeave       bool   `json:"join_leave" yaml:"join_leave"`
	IsWatching      bool   `json:"is_watching" yaml:"is_watching"`
	IsPrivate       bool   `json:"is_private" yaml:"is_private"`
	HistorySize     int    `json:"history_size" yaml:"history_size"`
	HistoryLifetime int    `json:"history_lifetime" yaml:"history_lifetime"`
	AuthAddress     string `json:"auth_address" yaml:"auth_address"`
}

// Namespace is a policy scope selected by a channel's prefix.
type Namespace struct {
	ID        string `json:"id" yaml:"id"`
	ProjectID string `json:"project_id" yaml:"project_id"`
	Name      string `json:"name" yaml:"name"`

	ChannelOptions `json:",inline" yaml:",inline"`
}

// Project is an HMAC-keyed tenant of the broker.
type Project struct {
	ID                      string `json:"id" yaml:"id"`
	Name                    string `json:"name" yaml:"name"`
	DisplayName             string `json:"display_name" yaml:"display_name"`
	SecretKey               string `json:"secret_key" yaml:"secret_key"`
	ConnectionCheck         bool   `json:"connection_check" yaml:"connection_check"`
	ConnectionLifetime      int    `json:"connection_lifetime" yaml:"connection_lifetime"`
	ConnectionCheckAddress  string `json:"connection_check_address" yaml:"connection_check_address"`
	ConnectionCheckInterval int    `json:"connection_check_interval" yaml:"connection_check_interval"`
	MaxAuthAttempts         int    `json:"max_auth_attempts" yaml:"max_auth_attempts"`
	BackOffInterval         int    `json:"back_off_interval" yaml:"back_off_interval"`
	BackOffMaxTimeout       int    `json:"back_off_max_timeout" yaml:"back_off_max_timeout"`

	// Namespace defaults applied to channels without a namespace prefix.
	ChannelOptions `json:",inline" yaml:",inline"`

	Namespaces []Namespace `json:"namespaces" yaml:"namespaces"`
}

// Default back-off parameters applied when a project leaves them unset.
const (
	DefaultMaxAuthAttempts   = 5
	DefaultBackOffInterval   = 100  // milliseconds
	DefaultBackOffMaxTimeout = 5000 // milliseconds
)

// DefaultNamespace returns the project-level channel options as a
// pseudo-namespace used for channels without a namespace prefix.
func (p *Project) DefaultNamespace() *Namespace {
	return &Namespace{
		ProjectID:      p.ID,
		Name:           "",
		ChannelOptions: p.ChannelOptions,
	}
}

// AuthAttempts returns the capped number of private channel auth
// attempts for this project.
func (p *Project) AuthAttempts() int {
	if p.MaxAuthAttempts > 0 {
		return p.MaxAuthAttempts
	}
	return DefaultMaxAuthAttempts
}

// AuthBackOffInterval returns the back-off base interval in milliseconds.
func (p *Project) AuthBackOffInterval() int {
	if p.BackOffInterval > 0 {
		return p.BackOffInterval
	}
	return DefaultBackOffInterval
}

// AuthBackOffMaxTimeout returns the back-off delay cap in milliseconds.
func (p *Project) AuthBackOffMaxTimeout() int {
	if p.BackOffMaxTimeout > 0 {
		return p.BackOffMaxTimeout
	}
	return DefaultBackOffMaxTimeout
}
