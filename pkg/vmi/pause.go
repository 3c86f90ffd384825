package vmi

// PauseGuard keeps the guest paused until Release is called.
type PauseGuard struct {
	s        *Session
	released bool
}

// Pause pauses the guest and returns a guard that resumes it. Guards nest:
// the guest is resumed when the last outstanding guard is released.
func (s *Session) Pause() (*PauseGuard, error) {
	if s.pauseCount == 0 {
		if err := s.driver.Pause(); err != nil {
			return nil, &DriverError{Op: "pause", Err: err}
		}
		s.log.Debugf("guest paused")
	}
	s.pauseCount++
	return &PauseGuard{s: s}, nil
}

// Paused reports whether at least one pause guard is outstanding.
func (s *Session) Paused() bool {
	return s.pauseCount > 0
}

// Release releases the guard. Releasing a guard twice has no effect.
func (g *PauseGuard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	g.s.pauseCount--
	if g.s.pauseCount > 0 {
		return nil
	}
	if err := g.s.driver.Resume(); err != nil {
		return &DriverError{Op: "resume", Err: err}
	}
	g.s.log.Debugf("guest resumed")
	return nil
}
