// Package config loads the raopd daemon configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, RAOP_ environment variables (RAOP_SESSION_POLICY for
// session.policy) and command-line flags.
package config
