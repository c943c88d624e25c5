// Package config loads the node configuration from a YAML file with ${NAME}
// environment variable substitution applied before decoding.
//
// Every engine has usable defaults; a config file only needs the database URL
// and whatever the deployment wants to override.
package config
