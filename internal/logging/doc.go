// Package logging provides file-based logging with rotation for ragrun.
// Logs are written to ~/.ragrun/logs/server.log for every command.
//
// By default (without --debug) the level is info and nothing is copied to
// stderr. When the --debug flag is set, the level is debug and each record
// is also written to stderr.
package logging
