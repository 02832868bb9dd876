package provision

// The fixed provisioning step order. Step N's external side effect is
// acknowledged before step N+1 begins; the list is also the wire-visible
// steps[] skeleton a status reader sees from the moment a job starts.
const (
	StepReserveDomain   = "reserve-domain"
	StepCreateDatabase  = "create-database"
	StepGenerateSite    = "generate-template"
	StepCreateRepo      = "create-repository"
	StepCreateHosting   = "create-hosting-deployment"
	StepBindSubdomain   = "bind-subdomain"
	StepFinalize        = "finalize"
)

func StepOrder() []string {
	return []string{
		StepReserveDomain,
		StepCreateDatabase,
		StepGenerateSite,
		StepCreateRepo,
		StepCreateHosting,
		StepBindSubdomain,
		StepFinalize,
	}
}

// Teardown resource names used in deletion reports.
const (
	ResourceHosting    = "hosting_project"
	ResourceRepository = "repository"
	ResourceDNSRecord  = "dns_record"
	ResourceDatabase   = "database"
)
