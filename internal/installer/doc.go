// Package installer runs the installation steps of a backend as a session
// with a streamed, append-only log. At most one session runs at a time and
// finished sessions are kept for inspection.
package installer
