// Copyright 2024-2025 The real-time-dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Authorization Related Config

// AuthConfig defines credential verification parameters
type AuthConfig struct {
	// TokenSecret is the HMAC secret used to sign and verify bearer tokens
	TokenSecret string `mapstructure:"token_secret" json:"-" validate:"required"`
	// TokenLifeInSec is the issued token lifespan in seconds
	TokenLifeInSec int `mapstructure:"token_life_sec" json:"token_life_sec" validate:"gte=60"`
}

// UserConfig defines one known dashboard user
type UserConfig struct {
	// UserID is the unique user ID
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
	// Username is the login name
	Username string `mapstructure:"username" json:"username" validate:"required"`
	// Password is the login password
	Password string `mapstructure:"password" json:"-" validate:"required"`
	// Role is the user role
	Role string `mapstructure:"role" json:"role" validate:"required,oneof=admin viewer"`
	// Channels is the set of channel names this user may subscribe to
	Channels []string `mapstructure:"channels" json:"channels" validate:"required,min=1"`
}

// ===============================================================================
// Broadcast Related Config

// BroadcastConfig defines per-channel broadcast parameters
type BroadcastConfig struct {
	// TickIntervalInMS is the duration between periodic snapshot fan-outs in milliseconds
	TickIntervalInMS int `mapstructure:"tick_interval_ms" json:"tick_interval_ms" validate:"gte=100"`
	// LogWindowSize is the max number of activity log entries sent per log window update
	LogWindowSize int `mapstructure:"log_window_size" json:"log_window_size" validate:"gte=1"`
	// SessionSendBuffer is the per-session outbound event buffer depth. A session
	// whose buffer is full misses the event.
	SessionSendBuffer int `mapstructure:"session_send_buffer" json:"session_send_buffer" validate:"gte=1"`
}

// ===============================================================================
// Client Related Config

// ClientConfig defines dashboard client parameters
type ClientConfig struct {
	// ReconnectDelayInMS is the wait before the single reconnect attempt after an
	// unexpected connection drop, in milliseconds
	ReconnectDelayInMS int `mapstructure:"reconnect_delay_ms" json:"reconnect_delay_ms" validate:"gte=100"`
	// DebounceWindowInMS is the snapshot ingestion coalescing window in milliseconds
	DebounceWindowInMS int `mapstructure:"debounce_window_ms" json:"debounce_window_ms" validate:"gte=10"`
	// HistoryLength is the max number of snapshots retained per channel
	HistoryLength int `mapstructure:"history_length" json:"history_length" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the dashboard server and client
type SystemConfig struct {
	// Channels is the fixed set of channel names served by this deployment
	Channels []string `mapstructure:"channels" json:"channels" validate:"required,min=1,dive,required"`
	// Auth are the credential verification parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Users are the known dashboard users
	Users []UserConfig `mapstructure:"users" json:"users" validate:"omitempty,dive"`
	// Broadcast are the per-channel broadcast parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// Client are the dashboard client parameters
	Client ClientConfig `mapstructure:"client" json:"client" validate:"required,dive"`
	// API are the API server configs
	API HTTPConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default channel set
	viper.SetDefault("channels", []string{"server", "network", "finance"})

	// Default auth settings
	viper.SetDefault("auth.token_life_sec", 3600)

	// Default broadcast settings
	viper.SetDefault("broadcast.tick_interval_ms", 4000)
	viper.SetDefault("broadcast.log_window_size", 50)
	viper.SetDefault("broadcast.session_send_buffer", 16)

	// Default client settings
	viper.SetDefault("client.reconnect_delay_ms", 1000)
	viper.SetDefault("client.debounce_window_ms", 500)
	viper.SetDefault("client.history_length", 50)

	// Default API server settings
	viper.SetDefault("api.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.server_config.listen_port", 3001)
	viper.SetDefault("api.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.logging_config.request_id_header", "Dashboard-Request-ID")
	viper.SetDefault(
		"api.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
