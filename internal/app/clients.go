package app

import (
	"fmt"

	"github.com/casaforge/casaforge-backend/internal/platform/logger"
	"github.com/casaforge/casaforge-backend/internal/provider/atlas"
	"github.com/casaforge/casaforge-backend/internal/provider/github"
	"github.com/casaforge/casaforge-backend/internal/provider/godaddy"
	"github.com/casaforge/casaforge-backend/internal/provider/sendgrid"
	"github.com/casaforge/casaforge-backend/internal/provider/vercel"
	"github.com/casaforge/casaforge-backend/internal/provision"
)

// wireAdapters builds one client per external system. Every client is
// required except mail: a missing SendGrid key downgrades the welcome
// email to a logged skip rather than blocking provisioning entirely.
func wireAdapters(log *logger.Logger) (provision.Adapters, error) {
	log.Info("Wiring provider clients...")

	databases, err := atlas.NewFromEnv(log)
	if err != nil {
		return provision.Adapters{}, fmt.Errorf("init atlas client: %w", err)
	}
	repos, err := github.NewFromEnv(log)
	if err != nil {
		return provision.Adapters{}, fmt.Errorf("init github client: %w", err)
	}
	hosting, err := vercel.NewFromEnv(log)
	if err != nil {
		return provision.Adapters{}, fmt.Errorf("init vercel client: %w", err)
	}
	dns, err := godaddy.NewFromEnv(log)
	if err != nil {
		return provision.Adapters{}, fmt.Errorf("init godaddy client: %w", err)
	}
	mail, err := sendgrid.NewFromEnv(log)
	if err != nil {
		log.Warn("SendGrid unavailable; welcome emails disabled", "error", err)
		mail = nil
	}

	return provision.Adapters{
		Databases: databases,
		Repos:     repos,
		Hosting:   hosting,
		DNS:       dns,
		Mail:      mail,
	}, nil
}
