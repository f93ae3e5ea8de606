//go:build linux

package minilog

import "log/syslog"

// AddSyslog adds syslog output by connecting to raddr on network,
// tagging events with tag. network == "local" logs to the local
// syslog daemon instead of dialing out.
func AddSyslog(network, raddr, tag string, level Level) error {
	var w *syslog.Writer
	var err error

	priority := syslog.LOG_INFO | syslog.LOG_DAEMON

	if network == "local" {
		w, err = syslog.New(priority, tag)
	} else {
		w, err = syslog.Dial(network, raddr, priority, tag)
	}
	if err != nil {
		return err
	}

	AddLogger("syslog", w, level, false)
	return nil
}
