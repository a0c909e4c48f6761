package modules

import (
	"context"
	"path/filepath"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/settings"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// CondorOptions are the settings of the [Condor] section.
type CondorOptions struct {
	Location      *settings.Option[string]
	Config        *settings.Option[string]
	JobContact    *settings.Option[string]
	UtilContact   *settings.Option[string]
	SEGEnabled    *settings.Option[bool]
	AcceptLimited *settings.Option[bool]

	JobManager     *settings.Option[string]
	JobManagerHome *settings.Option[string]
}

func (o *CondorOptions) list() []settings.Resolvable {
	return []settings.Resolvable{
		o.Location, o.Config, o.JobContact, o.UtilContact, o.SEGEnabled, o.AcceptLimited,
	}
}

func (o *CondorOptions) exported() []settings.Resolvable {
	return append(o.list(), o.JobManager, o.JobManagerHome)
}

// Condor configures the HTCondor job manager.
type Condor struct {
	jobManager
	Options CondorOptions
}

// CondorLocation returns $CONDOR_LOCATION, or /usr.
func CondorLocation(getenv func(string) string) string {
	if v := getenv("CONDOR_LOCATION"); !validation.Blank(v) {
		return filepath.Clean(v)
	}
	return "/usr"
}

// CondorConfig returns $CONDOR_CONFIG, or /etc/condor/condor_config.
func CondorConfig(getenv func(string) string) string {
	if v := getenv("CONDOR_CONFIG"); !validation.Blank(v) {
		return filepath.Clean(v)
	}
	return "/etc/condor/condor_config"
}

// NewCondor creates the Condor module.
func NewCondor(deps Deps, managedFork bool) *Condor {
	c := &Condor{
		jobManager: jobManager{
			Base:        newBase("Condor", "Condor", deps),
			lrms:        "condor",
			serviceFile: "jobmanager-condor",
			managedFork: managedFork,
		},
	}
	getenv := c.deps.getenv
	c.Options = CondorOptions{
		Location:       settings.Req[string]("condor_location").WithDefault(CondorLocation(getenv)).WithMapping("OSG_CONDOR_LOCATION"),
		Config:         settings.Req[string]("condor_config").WithDefault(CondorConfig(getenv)).WithMapping("OSG_CONDOR_CONFIG"),
		JobContact:     settings.Req[string]("job_contact").WithMapping("OSG_JOB_CONTACT"),
		UtilContact:    settings.Req[string]("util_contact").WithMapping("OSG_UTIL_CONTACT"),
		SEGEnabled:     settings.Opt[bool]("seg_enabled").WithDefault(false),
		AcceptLimited:  settings.Opt[bool]("accept_limited").WithDefault(false),
		JobManager:     settings.Opt[string]("job_manager").WithMapping("OSG_JOB_MANAGER"),
		JobManagerHome: settings.Opt[string]("job_manager_home").WithMapping("OSG_JOB_MANAGER_HOME"),
	}
	return c
}

func (c *Condor) binDir() string {
	return filepath.Join(c.Options.Location.Value(), "bin")
}

// Parse implements Module.
func (c *Condor) Parse(doc settings.Document) error {
	if !doc.HasSection(c.section) {
		c.enabled = false
		c.logger.Debug().Msg("Section not in settings")
		return nil
	}

	proceed, err := c.setStatus(doc)
	if err != nil || !proceed {
		return err
	}

	if err := c.resolve(doc, c.Options.list()); err != nil {
		return err
	}
	c.Options.JobManager.Set("Condor")
	c.Options.JobManagerHome.Set(c.Options.Location.Value())
	return nil
}

// CheckAttributes implements Module.
func (c *Condor) CheckAttributes(_ context.Context) engine.CheckResult {
	var res engine.CheckResult
	if !c.active() {
		return res
	}

	if !validation.ValidLocation(c.Options.Location.Value()) {
		c.problem(&res, "condor_location", "Non-existent location given: %s", c.Options.Location.Value())
	}
	if !validation.ValidFile(c.Options.Config.Value()) {
		c.problem(&res, "condor_config", "Non-existent location given: %s", c.Options.Config.Value())
	}
	if err := validation.CheckContact(c.Options.JobContact.Value(), c.lrms); err != nil {
		c.problem(&res, "job_contact", "Invalid job contact: %v", err)
	}
	if err := validation.CheckContact(c.Options.UtilContact.Value(), c.lrms); err != nil {
		c.problem(&res, "util_contact", "Invalid util contact: %v", err)
	}
	return res
}

// Configure implements Module.
func (c *Condor) Configure(_ context.Context) error {
	if c.skipConfigure() {
		return nil
	}

	gateway := c.deps.Facts.Gateway
	if gateway.GRAM() {
		if err := c.editServiceFile(c.Options.AcceptLimited.Value(), c.Options.SEGEnabled.Value()); err != nil {
			return err
		}
		if err := c.setupGramConfig(); err != nil {
			return err
		}
		if def := c.DefaultJobManager(); def != "" {
			c.logger.Info().Msg("Configuring gatekeeper to use regular fork service")
			if err := c.setDefaultJobManager(def); err != nil {
				return err
			}
		}
	}

	if gateway.HTCondorCE() {
		if err := c.configureHTCondorCE(c.binDir()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condor) setupGramConfig() error {
	kvs := binarySettings(c.binDir(), "condor_submit", "condor_rm")
	if cfg := c.Options.Config.Value(); !validation.Blank(cfg) {
		kvs = append(kvs, [2]string{"condor_config", cfg})
	}
	return c.editGramConfig(kvs)
}

// Attributes implements Module.
func (c *Condor) Attributes() map[string]string {
	return c.export(c.Options.exported())
}

// EnabledServices implements Module.
func (c *Condor) EnabledServices() []string {
	return c.jobManagerServices(c.Options.SEGEnabled.Value())
}

// DefaultJobManager implements Module.
func (c *Condor) DefaultJobManager() string {
	return c.fallbackDefault()
}
