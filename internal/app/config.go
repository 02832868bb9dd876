package app

import (
	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provision"
)

type Config struct {
	Port         string
	JWTSecretKey string
	BaseDomain   string
	Environment  string
	Provision    provision.Config
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:         envutil.String("PORT", "8080"),
		JWTSecretKey: envutil.String("JWT_SECRET_KEY", ""),
		BaseDomain:   envutil.String("PLATFORM_BASE_DOMAIN", ""),
		Environment:  envutil.String("ENVIRONMENT", "development"),
		Provision:    provision.ConfigFromEnv(),
	}
	if cfg.JWTSecretKey == "" {
		log.Warn("JWT_SECRET_KEY is not set; tokens signed with the default dev secret will be accepted")
		cfg.JWTSecretKey = "defaultsecret"
	}
	if cfg.BaseDomain == "" {
		log.Warn("PLATFORM_BASE_DOMAIN is not set; tenant domains cannot be derived")
	}
	return cfg
}
