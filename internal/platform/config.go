package platform

import "time"

// HTTPServerConfig holds HTTP server tunables, derived from config.Config
// at startup.
type HTTPServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	CertFile     string
	KeyFile      string
}

// NewHTTPServerConfig builds an HTTPServerConfig from the resolved
// addr/cert/key config values, filling in the teacher's sane timeout
// defaults.
func NewHTTPServerConfig(addr, certFile, keyFile string) HTTPServerConfig {
	return HTTPServerConfig{
		Addr:         addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableTLS:    certFile != "" && keyFile != "",
		CertFile:     certFile,
		KeyFile:      keyFile,
	}
}
