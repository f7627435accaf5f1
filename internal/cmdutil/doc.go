// Package cmdutil runs child processes with an environment assembled from
// the process environment, an optional env file and inline variables.
package cmdutil
