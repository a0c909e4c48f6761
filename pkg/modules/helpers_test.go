package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/siteconf/pkg/facts"
	"github.com/openfroyo/siteconf/pkg/fileutil"
)

const cemonConfig = `<?xml version="1.0" encoding="UTF-8"?>
<service id="CEMonitor">
  <publisher id="OSG_CE" />
</service>
`

const jobManagerService = "stderr_log,local_cred - /usr/sbin/globus-job-manager globus-job-manager -conf /etc/globus/globus-gram-job-manager.conf -type %s\n"

type staticResolver map[string]bool

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if s[host] {
		return []string{"192.0.2.1"}, nil
	}
	return nil, errors.New("no such host")
}

var allHosts = staticResolver{
	"osg-ress-1.fnal.gov": true,
	"osg-ress-4.fnal.gov": true,
	"is1.grid.iu.edu":     true,
	"is2.grid.iu.edu":     true,
}

// testEnv is a staging root populated with the files modules expect.
type testEnv struct {
	root   string
	writer *fileutil.Writer
	deps   Deps
}

func newTestEnv(t *testing.T, f facts.SiteFacts) *testEnv {
	t.Helper()
	root := t.TempDir()
	w := fileutil.NewWriter(fileutil.WithRoot(root))
	env := &testEnv{
		root:   root,
		writer: w,
		deps: Deps{
			Facts:    &f,
			Writer:   w,
			Logger:   zerolog.Nop(),
			Paths:    DefaultPaths(),
			Resolver: allHosts,
			Getenv:   func(string) string { return "" },
		},
	}

	env.write(t, "/etc/grid-services/available/jobmanager-pbs-seg", fmt.Sprintf(jobManagerService, "pbs"))
	env.write(t, "/etc/grid-services/available/jobmanager-condor", fmt.Sprintf(jobManagerService, "condor"))
	env.write(t, "/etc/grid-services/available/jobmanager-managedfork", fmt.Sprintf(jobManagerService, "managedfork"))
	env.write(t, "/etc/grid-services/available/jobmanager-fork-poll", fmt.Sprintf(jobManagerService, "fork"))
	env.write(t, "/etc/globus/globus-pbs.conf", "")
	env.write(t, "/etc/globus/globus-condor.conf", "")
	env.write(t, "/etc/glite-ce-monitor/cemonitor-config.xml", cemonConfig)
	return env
}

func (e *testEnv) write(t *testing.T, path, contents string) {
	t.Helper()
	full := e.writer.Path(path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
}

func (e *testEnv) read(t *testing.T, path string) string {
	t.Helper()
	b, err := e.writer.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// snapshot returns every file below the root with its contents.
func (e *testEnv) snapshot(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(e.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, _ := os.Readlink(p)
			out[p] = "-> " + target
			return nil
		}
		if info.IsDir() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[p] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

// pbsInstall creates a fake PBS install with bin/qsub, bin/qstat, bin/qdel.
func pbsInstall(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	for _, name := range []string{"qsub", "qstat", "qdel"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}
	return dir
}

// condorInstall creates a fake HTCondor install and config file.
func condorInstall(t *testing.T) (location, config string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	for _, name := range []string{"condor_submit", "condor_rm"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}
	config = filepath.Join(dir, "condor_config")
	require.NoError(t, os.WriteFile(config, []byte("# condor\n"), 0o644))
	return dir, config
}
