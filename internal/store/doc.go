// Package store persists the control panel snapshot.
//
// The FileStore keeps a single JSON object on an afero filesystem and
// exposes the Store interface the controller depends on. A missing file is
// reported as ErrNotFound, which callers treat as "use defaults".
package store
