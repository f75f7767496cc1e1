// Copyright 2022 The indisvc Authors
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

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
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
// API Server Related Config

// APIServerEndpointConfig defines REST API endpoint config
type APIServerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the REST API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIServerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines the repository persistence parameters
type StorageConfig struct {
	// DataDir is the directory holding the badger database
	DataDir string `mapstructure:"data_dir" json:"data_dir" validate:"required_without=InMemory"`
	// InMemory run the database without touching disk
	InMemory bool `mapstructure:"in_memory" json:"in_memory"`
}

// ===============================================================================
// Indication Service Related Config

// IndicationServiceConfig defines the indication subscription service parameters
type IndicationServiceConfig struct {
	// EnableTimeout is the max duration, in seconds, allowed for the service to start
	EnableTimeout int `mapstructure:"enable_timeout_sec" json:"enable_timeout_sec" validate:"gte=1"`
	// DisableTimeout is the max duration, in seconds, to wait for in-flight async requests
	// when the service is being disabled
	DisableTimeout int `mapstructure:"disable_timeout_sec" json:"disable_timeout_sec" validate:"gte=1"`
	// ProviderRequestTimeout is the max duration, in seconds, to wait for a provider reply
	ProviderRequestTimeout int `mapstructure:"provider_request_timeout_sec" json:"provider_request_timeout_sec" validate:"gte=1"`
	// ExpirySweepInterval is the period, in seconds, of the expired subscription sweep
	ExpirySweepInterval int `mapstructure:"expiry_sweep_interval_sec" json:"expiry_sweep_interval_sec" validate:"gte=1"`
	// DeliveryWorkers is the number of parallel indication delivery workers
	DeliveryWorkers int `mapstructure:"delivery_workers" json:"delivery_workers" validate:"gte=1"`
	// DeliveryQueueDepth is the size of the pending delivery buffer
	DeliveryQueueDepth int `mapstructure:"delivery_queue_depth" json:"delivery_queue_depth" validate:"gte=0"`
	// QueryCacheSize is the number of compiled filter queries to keep
	QueryCacheSize int `mapstructure:"query_cache_size" json:"query_cache_size" validate:"gte=1"`
	// AuthenticationEnabled enforces creator ownership checks
	AuthenticationEnabled bool `mapstructure:"authentication_enabled" json:"authentication_enabled"`
	// EnableSubscriptionsForNonprivilegedUsers allow non-privileged users to manage subscriptions
	EnableSubscriptionsForNonprivilegedUsers bool `mapstructure:"enable_subscriptions_for_nonprivileged_users" json:"enable_subscriptions_for_nonprivileged_users"`
	// PrivilegedUsers is the list of users treated as privileged
	PrivilegedUsers []string `mapstructure:"privileged_users" json:"privileged_users"`
	// Transport selects how providers and handlers are reached
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=nats loopback"`
	// SubjectPrefix is the NATS subject prefix used by the nats transport
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the indication service
type SystemConfig struct {
	// Namespaces are the namespaces the indication class hierarchy is installed in
	Namespaces []string `mapstructure:"namespaces" json:"namespaces" validate:"required,min=1"`
	// NATS are the NATS related config parameters. Required by the nats transport.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Storage are the repository persistence parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Indication are the indication service parameters
	Indication IndicationServiceConfig `mapstructure:"indication" json:"indication" validate:"required,dive"`
	// APIServer are the REST API server configs
	APIServer APIServerConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	viper.SetDefault("namespaces", []string{"root/cimv2", "root/interop"})

	// Default storage settings
	viper.SetDefault("storage.data_dir", "/var/lib/indisvc")
	viper.SetDefault("storage.in_memory", false)

	// Default indication service settings
	viper.SetDefault("indication.enable_timeout_sec", 30)
	viper.SetDefault("indication.disable_timeout_sec", 15)
	viper.SetDefault("indication.provider_request_timeout_sec", 10)
	viper.SetDefault("indication.expiry_sweep_interval_sec", 60)
	viper.SetDefault("indication.delivery_workers", 4)
	viper.SetDefault("indication.delivery_queue_depth", 64)
	viper.SetDefault("indication.query_cache_size", 256)
	viper.SetDefault("indication.authentication_enabled", false)
	viper.SetDefault("indication.enable_subscriptions_for_nonprivileged_users", true)
	viper.SetDefault("indication.privileged_users", []string{"root"})
	viper.SetDefault("indication.transport", "nats")
	viper.SetDefault("indication.subject_prefix", "indisvc")

	// Default API server settings
	viper.SetDefault("api_server.endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.http.server_config.listen_port", 5988)
	viper.SetDefault("api_server.http.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.http.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.http.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.http.logging_config.request_id_header", "Indisvc-Request-ID",
	)
	viper.SetDefault(
		"api_server.http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// ProviderRequestTimeoutDuration provider request timeout as a time.Duration
func (c IndicationServiceConfig) ProviderRequestTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ProviderRequestTimeout)
}

// DisableTimeoutDuration service disable timeout as a time.Duration
func (c IndicationServiceConfig) DisableTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.DisableTimeout)
}

// ExpirySweepIntervalDuration expiry sweep interval as a time.Duration
func (c IndicationServiceConfig) ExpirySweepIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.ExpirySweepInterval)
}
