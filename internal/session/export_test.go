package session

import "io"

// SetRandom replaces the token entropy source.
func (m *Manager) SetRandom(r io.Reader) { m.random = r }
