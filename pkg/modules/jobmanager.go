package modules

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openfroyo/siteconf/pkg/fileutil"
	"github.com/openfroyo/siteconf/pkg/validation"
)

// Gatekeeper default job managers.
const (
	JobManagerFork        = "fork"
	JobManagerManagedFork = "managed-fork"
)

var defaultJobManagerFiles = map[string]string{
	JobManagerFork:        "jobmanager-fork-poll",
	JobManagerManagedFork: "jobmanager-managedfork",
}

// jobManager holds what the batch job manager modules have in common: the
// gatekeeper service file, the GRAM and blah configs, and the fork fallback.
type jobManager struct {
	Base

	// lrms is the local resource manager name used in contacts and configs.
	lrms string
	// serviceFile is the file name under <grid-services>/available.
	serviceFile string
	// managedFork is the raw-document Managed Fork flag.
	managedFork bool
}

func (j *jobManager) servicePath() string {
	return filepath.Join(j.deps.Paths.GridServices, "available", j.serviceFile)
}

func (j *jobManager) gramConfigPath() string {
	return filepath.Join(j.deps.Paths.GlobusConfig, "globus-"+j.lrms+".conf")
}

var (
	acceptLimitedFlag = regexp.MustCompile(`[ \t]+-accept-limited\b`)
	segModuleFlag     = regexp.MustCompile(`[ \t]+-seg-module[ \t]+\S+`)
)

// editServiceFile rewrites the gatekeeper service file for this job manager,
// setting or clearing the accept-limited and SEG flags.
func (j *jobManager) editServiceFile(acceptLimited, seg bool) error {
	path := j.servicePath()
	raw, err := j.deps.Writer.ReadFile(path)
	if err != nil {
		return j.configureError("failed to read jobmanager service file "+path, err)
	}

	edited := setServiceFlags(string(raw), j.lrms, acceptLimited, seg)
	if _, err := j.deps.Writer.WriteFile(path, []byte(edited)); err != nil {
		return j.configureError("error writing to "+path, err)
	}
	j.logger.Debug().
		Str("path", path).
		Bool("accept_limited", acceptLimited).
		Bool("seg", seg).
		Msg("Jobmanager service file updated")
	return nil
}

// setServiceFlags rewrites every service line, removing existing flags and
// appending the requested ones.
func setServiceFlags(contents, lrms string, acceptLimited, seg bool) string {
	lines := strings.Split(contents, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		line = acceptLimitedFlag.ReplaceAllString(line, "")
		line = segModuleFlag.ReplaceAllString(line, "")
		line = strings.TrimRight(line, " \t")
		if acceptLimited {
			line += " -accept-limited"
		}
		if seg {
			line += " -seg-module " + lrms
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// editGramConfig applies settings to the globus-<lrms>.conf file. A missing
// file is created.
func (j *jobManager) editGramConfig(kvs [][2]string) error {
	path := j.gramConfigPath()
	raw, err := j.deps.Writer.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return j.configureError("failed to read "+path, err)
	}
	contents := string(raw)
	for _, kv := range kvs {
		contents = fileutil.AddOrReplaceSetting(contents, kv[0], kv[1], true)
	}
	if _, err := j.deps.Writer.WriteFile(path, []byte(contents)); err != nil {
		return j.configureError("error writing to "+path, err)
	}
	return nil
}

// binarySettings returns name=path pairs for the binaries present in binDir.
func binarySettings(binDir string, names ...string) [][2]string {
	var out [][2]string
	for _, name := range names {
		p := filepath.Join(binDir, name)
		if validation.ValidFile(p) {
			out = append(out, [2]string{name, p})
		}
	}
	return out
}

// setDefaultJobManager points the gatekeeper's default jobmanager link at
// name.
func (b *Base) setDefaultJobManager(name string) error {
	file, ok := defaultJobManagerFiles[name]
	if !ok {
		return b.configureError("unknown default job manager "+name, nil)
	}
	available := filepath.Join(b.deps.Paths.GridServices, "available", file)
	if !b.deps.Writer.Exists(available) {
		return b.configureError("jobmanager service "+available+" does not exist", nil)
	}
	link := filepath.Join(b.deps.Paths.GridServices, "jobmanager")
	if err := b.deps.Writer.ReplaceSymlink(filepath.Join("available", file), link); err != nil {
		return b.configureError("failed to set default jobmanager to "+name, err)
	}
	b.logger.Info().Str("jobmanager", name).Msg("Gatekeeper default jobmanager set")
	return nil
}

// fallbackDefault is the default a batch job manager sets, or "" when the
// Managed Fork concern owns it.
func (j *jobManager) fallbackDefault() string {
	if !j.active() || !j.deps.Facts.Gateway.GRAM() || j.managedFork {
		return ""
	}
	return JobManagerFork
}

// configureHTCondorCE writes the blah settings HTCondor-CE needs for this
// batch system and drops the sentinel file.
func (j *jobManager) configureHTCondorCE(binDir string) error {
	path := j.deps.Paths.BlahConfig
	raw, err := j.deps.Writer.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return j.configureError("failed to read "+path, err)
	}
	contents := string(raw)
	contents = fileutil.AddOrReplaceSetting(contents, j.lrms+"_binpath", binDir, true)
	contents = fileutil.AddOrReplaceSetting(contents, "blah_disable_wn_proxy_renewal", "yes", false)
	contents = fileutil.AddOrReplaceSetting(contents, "blah_delegate_renewed_proxies", "no", false)
	contents = fileutil.AddOrReplaceSetting(contents, "blah_disable_limited_proxy", "yes", false)
	if _, err := j.deps.Writer.WriteFile(path, []byte(contents)); err != nil {
		return j.configureError("error writing to "+path, err)
	}

	sentinel := j.deps.Paths.HTCondorCESentinel
	if _, err := j.deps.Writer.WriteFile(sentinel, []byte("configured\n")); err != nil {
		return j.configureError("error writing HTCondor-CE sentinel "+sentinel, err)
	}
	return nil
}

// jobManagerServices are the services every enabled batch job manager needs.
func (j *jobManager) jobManagerServices(seg bool) []string {
	if !j.active() {
		return nil
	}
	services := []string{"globus-gridftp-server"}
	services = append(services, j.deps.Facts.Gateway.Services()...)
	if seg {
		services = append(services, "globus-scheduler-event-generator", "globus-gatekeeper")
	}
	return sortedServices(services...)
}
