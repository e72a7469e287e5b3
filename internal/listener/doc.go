// Package listener accepts TCP connections, admits them through Limits and runs one relay session
// per admitted connection until shutdown.
package listener
