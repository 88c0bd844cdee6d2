package config

// Marketplace describes the registry the daemon bootstraps on startup when it
// does not exist yet.
type Marketplace struct {
	Name  string `toml:"Name"`
	Admin string `toml:"Admin"`
	Fee   uint16 `toml:"Fee"`
}

// Admin configures the operator API used to pause and resume the module.
// Tokens are HMAC-signed JWTs.
type Admin struct {
	HMACSecret    string `toml:"HMACSecret"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
}

// Telemetry configures OTLP export. Prometheus metrics are always served.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Pauses lists modules that start paused.
type Pauses struct {
	Marketplace bool `toml:"Marketplace"`
}
