package fileutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const attributeHeader = `#!/bin/sh
#---------- This file automatically generated by siteconf
#---------- This is periodically overwritten.  DO NOT HAND EDIT
#---------- Instead, write any environment variable customizations into
#---------- the [Local Settings] section of the site settings.
`

// RenderAttributes renders attrs as a sourceable shell script: sorted
// KEY="value" assignments followed by the matching export lines. Array-style
// keys such as NAME[0] export their base name once.
func RenderAttributes(attrs map[string]string) []byte {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var vars, exports strings.Builder
	exported := make(map[string]bool)
	for _, k := range keys {
		fmt.Fprintf(&vars, "%s=\"%s\"\n", k, escapeShell(attrs[k]))
		name := k
		if i := strings.Index(k, "["); i > 0 {
			name = k[:i]
		}
		if exported[name] {
			continue
		}
		exported[name] = true
		fmt.Fprintf(&exports, "export %s\n", name)
	}

	var b strings.Builder
	b.WriteString(attributeHeader)
	b.WriteString("#---  variables -----\n")
	b.WriteString(vars.String())
	b.WriteString("#--- export variables -----\n")
	b.WriteString(exports.String())
	return []byte(b.String())
}

// WriteAttributeFile atomically writes the rendered attribute file with mode
// 0644.
func WriteAttributeFile(w *Writer, path string, attrs map[string]string) (WriteResult, error) {
	return w.WriteFile(path, RenderAttributes(attrs), WithMode(DefaultMode))
}

func escapeShell(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return r.Replace(v)
}

// AddOrReplaceSetting rewrites every key=... line of contents to key="value"
// (or key=value when quote is false). When the key is absent the setting is
// appended.
func AddOrReplaceSetting(contents, key, value string, quote bool) string {
	if quote {
		value = `"` + value + `"`
	}
	setting := key + "=" + value

	re := regexp.MustCompile(`(?m)^[ \t]*` + regexp.QuoteMeta(key) + `[ \t]*=.*$`)
	if re.MatchString(contents) {
		return re.ReplaceAllLiteralString(contents, setting)
	}
	if contents == "" || strings.HasSuffix(contents, "\n") {
		return contents + setting + "\n"
	}
	return contents + "\n" + setting + "\n"
}

// GeneratedHeader returns the warning placed at the top of files generated
// from a settings section.
func GeneratedHeader(section string) string {
	return fmt.Sprintf("# This file is automatically generated by siteconf\n"+
		"# based on the settings in the [%s] section, please\n"+
		"# make changes there instead of manually editing this file\n", section)
}
