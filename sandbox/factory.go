package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/docshield/config"
)

// NewProvider creates the isolation provider selected by the configuration.
// When DummyConversionEnv is set the dummy provider is returned instead.
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	providerConfig := ConfigFromApp(cfg)

	var provider Provider
	switch backend := Backend(cfg.Sandbox.Backend); backend {
	case BackendContainer:
		provider = NewContainerProvider(logger, providerConfig)
	case BackendDisposableVM:
		provider = NewDisposableVMProvider(logger, providerConfig)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	if DummyConversionEnabled() {
		logger.Warn("dummy conversion enabled, documents will not be sanitized",
			zap.String("env", DummyConversionEnv))
		return NewDummyProvider(logger, provider.Backend(), nil), nil
	}
	return provider, nil
}

// ConfigFromApp maps the application configuration onto provider settings
func ConfigFromApp(cfg *config.Config) *Config {
	s := cfg.Sandbox
	return &Config{
		Runtime:            s.Runtime,
		RuntimePreference:  s.RuntimePreference,
		ImageName:          s.ImageName,
		AppVersion:         s.AppVersion,
		ImageArchive:       s.ImageArchive,
		ImageArchiveDigest: s.ImageArchiveDigest,
		MemoryMB:           s.MemoryMB,
		CPUs:               s.CPUs,
		PidsLimit:          s.PidsLimit,
		EntryCommand:       s.EntryCommand,
		DispVMTemplate:     s.DispVMTemplate,
		DispVMService:      s.DispVMService,
		DispVMProbe:        s.DispVMProbe,
	}
}
