// Package diff describes configuration changes for reload logging.
package diff

import (
	"fmt"

	"github.com/router-for-me/DOMBridge/internal/config"
)

// BuildConfigChangeDetails lists the fields that differ between two
// configurations, one "key: old -> new" line each.
func BuildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var details []string
	add := func(key string, before, after any) {
		if before != after {
			details = append(details, fmt.Sprintf("%s: %v -> %v", key, before, after))
		}
	}

	add("host", oldCfg.Host, newCfg.Host)
	add("port", oldCfg.Port, newCfg.Port)
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("logging-to-file", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	add("logs-max-total-size-mb", oldCfg.LogsMaxTotalSizeMB, newCfg.LogsMaxTotalSizeMB)
	add("frame-log", oldCfg.FrameLog, newCfg.FrameLog)

	ob, nb := oldCfg.Bridge, newCfg.Bridge
	add("bridge.script-path", ob.ScriptPath, nb.ScriptPath)
	add("bridge.socket-path", ob.SocketPath, nb.SocketPath)
	if ob.ClientScriptFile != nb.ClientScriptFile {
		details = append(details, "bridge.client-script-file: updated")
	}
	add("bridge.request-timeout", ob.RequestTimeout, nb.RequestTimeout)
	add("bridge.connection-timeout", ob.ConnectionTimeout, nb.ConnectionTimeout)
	add("bridge.framing", ob.Framing, nb.Framing)
	add("bridge.separator", ob.Separator, nb.Separator)
	add("bridge.max-concurrent-handlers", ob.MaxConcurrentHandlers, nb.MaxConcurrentHandlers)
	add("bridge.force-sync-calls", ob.ForceSync(), nb.ForceSync())
	add("bridge.heartbeat-interval", ob.HeartbeatInterval, nb.HeartbeatInterval)
	add("bridge.max-message-bytes", ob.MaxMessageBytes, nb.MaxMessageBytes)

	add("mirror.debounce-ms", oldCfg.Mirror.DebounceMS, newCfg.Mirror.DebounceMS)
	return details
}

// RequiresRestart reports changes a running process cannot apply live: the
// listen address, the mounted routes and the wire framing.
func RequiresRestart(oldCfg, newCfg *config.Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	ob, nb := oldCfg.Bridge, newCfg.Bridge
	return oldCfg.Host != newCfg.Host || oldCfg.Port != newCfg.Port ||
		ob.ScriptPath != nb.ScriptPath || ob.SocketPath != nb.SocketPath ||
		ob.Framing != nb.Framing || ob.Separator != nb.Separator
}
