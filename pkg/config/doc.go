// Package config holds siteconf's own configuration: where the settings
// document lives, which host files the modules generate, the run history
// database, probe limits, site policy paths and telemetry.
//
// The file is YAML, read from /etc/siteconf/siteconf.yaml unless another path
// is given. Every key is optional; missing keys keep their defaults:
//
//	settings: /etc/osg/config.d
//	attributes_file: /etc/osg/osg-attributes.conf
//	state:
//	  enabled: true
//	  path: /var/lib/siteconf/state.db
//	  retention: 50
//	probe:
//	  timeout: 30s
//	  service_backend: dbus
//	policy:
//	  paths: [/etc/siteconf/policies]
//	telemetry:
//	  logging:
//	    output: /var/log/osg/siteconf.log
//	  metrics:
//	    textfile: /var/lib/node_exporter/textfile/siteconf.prom
//
// Values are checked with go-playground/validator struct tags.
package config
