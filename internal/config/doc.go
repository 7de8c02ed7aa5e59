// Package config loads the server configuration from nodebook.yaml, a .env
// file and NODEBOOK_* environment variables, in increasing precedence.
package config
