package site_provision

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/casaforge/casaforge-backend/internal/jobs/runtime"
	"github.com/casaforge/casaforge-backend/internal/provision"
)

type payload struct {
	SiteID  string            `json:"site_id"`
	Request provision.Request `json:"request"`
}

// Run executes one claimed site_provision job. The job id doubles as the
// reservation owner token, so a retried attempt of the same job passes its
// own domain reservation instead of conflicting with it.
func (p *Pipeline) Run(jc *runtime.Context) error {
	var in payload
	if err := jc.DecodePayload(&in); err != nil {
		jc.Fail("decode-payload", err)
		return nil
	}
	siteID, err := uuid.Parse(in.SiteID)
	if err != nil {
		jc.Fail("decode-payload", fmt.Errorf("bad site_id %q: %w", in.SiteID, err))
		return nil
	}

	site, err := p.sites.GetByID(jc.Ctx, p.db, siteID)
	if err != nil {
		jc.Fail("load-site", err)
		return nil
	}
	if site == nil {
		jc.Fail("load-site", fmt.Errorf("tenant site %s not found", siteID))
		return nil
	}

	jc.InitSteps(provision.StepOrder())

	result, stepErr := p.provisioner.Run(jc.Ctx, in.Request, site, jc.Job.ID.String(), jc)
	if stepErr != nil {
		p.log.Warn("Provisioning failed",
			"job_id", jc.Job.ID,
			"site_id", siteID,
			"step", stepErr.Step,
			"error", stepErr.Err,
		)
		jc.Fail(stepErr.Step, stepErr.Err)
		return nil
	}

	p.log.Info("Provisioning succeeded",
		"job_id", jc.Job.ID,
		"site_id", siteID,
		"domain", result.Domain,
	)
	jc.Succeed("done", result)
	return nil
}
