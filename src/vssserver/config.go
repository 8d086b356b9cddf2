package vssserver

import (
	"os"
)

// ServerConfig holds the vssd process's environment-derived settings,
// ported from the teacher's config.Config (ETCDEndpoints/CAFile/
// CertFile/KeyFile, Port) with the KV-specific fields dropped since
// this server speaks the versioned-object wire protocol, not a
// namespaced TTL'd KV API.
type ServerConfig struct {
	Port string

	ETCDEndpoints []string
	ETCDCAFile    string
	ETCDCertFile  string
	ETCDKeyFile   string
	KeyPrefix     string
}

// NewServerConfig reads ServerConfig from the process environment.
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: getEnv("VSSD_PORT", "8085"),

		ETCDEndpoints: []string{getEnv("VSSD_ETCD_ENDPOINTS", "localhost:2379")},
		ETCDCAFile:    getEnv("VSSD_ETCD_CA_FILE", ""),
		ETCDCertFile:  getEnv("VSSD_ETCD_CERT_FILE", ""),
		ETCDKeyFile:   getEnv("VSSD_ETCD_KEY_FILE", ""),
		KeyPrefix:     getEnv("VSSD_KEY_PREFIX", "vss"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
