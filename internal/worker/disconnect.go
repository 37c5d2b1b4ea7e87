package worker

import (
	"fmt"

	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Activity describes Disconnect for progress displays.
func Activity(s *session.Session) string {
	return fmt.Sprintf("Disconnecting %s", s.Host().Hostname())
}

// Disconnect closes s and logs the outcome.
func Disconnect(s *session.Session) error {
	log := logging.For("worker").WithField("host", s.Host().String())
	log.Debug(Activity(s))
	if err := s.Close(); err != nil {
		log.WithError(err).Warn("disconnect failed")
		return err
	}
	return nil
}
