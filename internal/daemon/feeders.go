package daemon

import (
	"errors"
	"net"

	log "github.com/bramford/albatross/internal/minilog"
	"github.com/bramford/albatross/internal/transport"
)

// runFeeder is one of the three background feeders (console, log, or
// optional stats): it loops forever reading frames off conn and
// driving them into the engine. A console or log helper disconnect is
// fatal to the whole daemon, since the engine cannot satisfy its
// contract without them; a stats helper disconnect only demotes
// statistics commands to unavailable.
func (d *Daemon) runFeeder(conn net.Conn, required bool) {
	for {
		header, body, err := transport.ReadFrame(conn)
		if err != nil {
			if required {
				log.Fatal("daemon: required helper socket disconnected: %v", err)
			}
			if !errors.Is(err, transport.ErrEOF) {
				log.Error("daemon: stats helper: %v", err)
			}
			d.eng.SetStatsAvailable(false)
			return
		}

		outs, handleErr := d.eng.HandleHelperEvent(header.Tag, body)
		d.applyOutputs(outs, 0)
		if handleErr != nil {
			log.Warn("daemon: helper event %v: %v", header.Tag, handleErr)
		}
	}
}
