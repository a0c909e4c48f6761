package modules

import (
	"context"
	"path/filepath"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// PBSOptions are the settings of the [PBS] section.
type PBSOptions struct {
	Location               *settings.Option[string]
	JobContact             *settings.Option[string]
	UtilContact            *settings.Option[string]
	SEGEnabled             *settings.Option[bool]
	LogDirectory           *settings.Option[string]
	AccountingLogDirectory *settings.Option[string]
	Server                 *settings.Option[string]
	AcceptLimited          *settings.Option[bool]

	// Derived values, set after resolution.
	JobManager     *settings.Option[string]
	JobManagerHome *settings.Option[string]
}

func (o *PBSOptions) list() []settings.Resolvable {
	return []settings.Resolvable{
		o.Location, o.JobContact, o.UtilContact, o.SEGEnabled, o.LogDirectory,
		o.AccountingLogDirectory, o.Server, o.AcceptLimited,
	}
}

func (o *PBSOptions) exported() []settings.Resolvable {
	return append(o.list(), o.JobManager, o.JobManagerHome)
}

// PBS configures the PBS job manager.
type PBS struct {
	jobManager
	Options PBSOptions
}

// NewPBS creates the PBS module. managedFork is the raw-document Managed Fork
// flag computed once per run.
func NewPBS(deps Deps, managedFork bool) *PBS {
	return &PBS{
		jobManager: jobManager{
			Base:        newBase("PBS", "PBS", deps),
			lrms:        "pbs",
			serviceFile: "jobmanager-pbs-seg",
			managedFork: managedFork,
		},
		Options: PBSOptions{
			Location:               settings.Req[string]("pbs_location").WithDefault("/usr").WithMapping("OSG_PBS_LOCATION"),
			JobContact:             settings.Req[string]("job_contact").WithMapping("OSG_JOB_CONTACT"),
			UtilContact:            settings.Req[string]("util_contact").WithMapping("OSG_UTIL_CONTACT"),
			SEGEnabled:             settings.Opt[bool]("seg_enabled").WithDefault(false),
			LogDirectory:           settings.Opt[string]("log_directory").WithDefault(""),
			AccountingLogDirectory: settings.Opt[string]("accounting_log_directory").WithDefault(""),
			Server:                 settings.Opt[string]("pbs_server").WithDefault(""),
			AcceptLimited:          settings.Opt[bool]("accept_limited").WithDefault(false),
			JobManager:             settings.Opt[string]("job_manager").WithMapping("OSG_JOB_MANAGER"),
			JobManagerHome:         settings.Opt[string]("job_manager_home").WithMapping("OSG_JOB_MANAGER_HOME"),
		},
	}
}

func (p *PBS) binDir() string {
	return filepath.Join(p.Options.Location.Value(), "bin")
}

// Parse implements Module.
func (p *PBS) Parse(doc settings.Document) error {
	if !doc.HasSection(p.section) {
		p.enabled = false
		p.logger.Debug().Msg("Section not in settings")
		return nil
	}

	proceed, err := p.setStatus(doc)
	if err != nil || !proceed {
		return err
	}

	if err := p.resolve(doc, p.Options.list()); err != nil {
		return err
	}
	p.Options.JobManager.Set("PBS")
	p.Options.JobManagerHome.Set(p.Options.Location.Value())
	return nil
}

// CheckAttributes implements Module.
func (p *PBS) CheckAttributes(_ context.Context) engine.CheckResult {
	var res engine.CheckResult
	if !p.active() {
		return res
	}

	if !validation.ValidLocation(p.Options.Location.Value()) {
		p.problem(&res, "pbs_location", "Non-existent location given: %s", p.Options.Location.Value())
	}
	if !validation.ValidDirectory(p.binDir()) {
		p.problem(&res, "pbs_location", "Given pbs_location %s has no bin/ directory", p.Options.Location.Value())
	}
	if err := validation.CheckContact(p.Options.JobContact.Value(), p.lrms); err != nil {
		p.problem(&res, "job_contact", "Invalid job contact: %v", err)
	}
	if err := validation.CheckContact(p.Options.UtilContact.Value(), p.lrms); err != nil {
		p.problem(&res, "util_contact", "Invalid util contact: %v", err)
	}
	return res
}

// Configure implements Module.
func (p *PBS) Configure(_ context.Context) error {
	if p.skipConfigure() {
		return nil
	}

	gateway := p.deps.Facts.Gateway
	if gateway.GRAM() {
		seg := p.Options.SEGEnabled.Value()
		if err := p.editServiceFile(p.Options.AcceptLimited.Value(), seg); err != nil {
			return err
		}
		if err := p.setupGramConfig(); err != nil {
			return err
		}
		if def := p.DefaultJobManager(); def != "" {
			p.logger.Info().Msg("Configuring gatekeeper to use regular fork service")
			if err := p.setDefaultJobManager(def); err != nil {
				return err
			}
		}
	}

	if gateway.HTCondorCE() {
		if err := p.configureHTCondorCE(p.binDir()); err != nil {
			return err
		}
	}
	return nil
}

func (p *PBS) setupGramConfig() error {
	kvs := binarySettings(p.binDir(), "qsub", "qstat", "qdel")
	if server := p.Options.Server.Value(); server != "" {
		kvs = append(kvs, [2]string{"pbs_default", server})
	}
	if p.Options.SEGEnabled.Value() {
		logDir := p.Options.LogDirectory.Value()
		if !validation.ValidDirectory(logDir) {
			return p.configureError(logDir+" is not a valid directory location for pbs log files", nil).
				WithOption("log_directory")
		}
		kvs = append(kvs, [2]string{"log_path", logDir})
	}
	return p.editGramConfig(kvs)
}

// Attributes implements Module.
func (p *PBS) Attributes() map[string]string {
	return p.export(p.Options.exported())
}

// EnabledServices implements Module.
func (p *PBS) EnabledServices() []string {
	return p.jobManagerServices(p.Options.SEGEnabled.Value())
}

// DefaultJobManager implements Module.
func (p *PBS) DefaultJobManager() string {
	return p.fallbackDefault()
}
