// Package stores keeps the history of configuration runs in SQLite: one row
// per run, the per-module outcomes, the site facts the run saw, and the files
// and services it changed.
package stores
