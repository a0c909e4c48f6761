package modules

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

var templates = template.Must(template.New("modules").Funcs(funcMap()).Parse(`
{{- define "subscription" }}
  <!-- Installed by siteconf -->
  <subscription id="{{ .ID }}"
        monitorConsumerURL="{{ .URI | html }}"
        sslprotocol="SSLv3"
        retryCount="-1">
     <topic name="{{ .Topic }}">
        <dialect name="{{ .Dialect }}" />
     </topic>
     <policy rate="{{ .Rate }}">
{{- if .Query }}
        <query queryLanguage="ClassAd"><![CDATA[{{ .Query }}]]></query>
        <action name="SendNotification" doActionWhenQueryIs="true" />
        <action name="SendExpiredNotification" doActionWhenQueryIs="false" />
{{- end }}
     </policy>
  </subscription>
{{ end }}

{{- define "env.sh" -}}
#!/bin/sh
{{ .Header -}}
{{ range .Vars }}export {{ .Name }}={{ .Value | shquote }}
{{ end -}}
{{ end }}

{{- define "env.csh" -}}
#!/bin/csh
{{ .Header -}}
{{ range .Vars }}setenv {{ .Name }} {{ .Value | shquote }}
{{ end -}}
{{ end }}
`))

func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["shquote"] = shellQuote
	return funcs
}

// shellQuote single-quotes s for sh and csh, closing the quote around each
// embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type subscriptionRecord struct {
	ID      string
	URI     string
	Topic   string
	Dialect string
	Rate    int
	Query   string
}

type envVar struct {
	Name  string
	Value string
}

type envScript struct {
	Header string
	Vars   []envVar
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
