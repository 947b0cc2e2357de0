// Package browser opens served pages in the desktop's default web browser.
package browser

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// PageURL builds the address a local browser should load for a page route.
// Wildcard listen hosts are replaced by the loopback address.
func PageURL(host string, port int, path string) string {
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// OpenURL opens url without waiting for the browser to exit. It tries
// open-golang first and falls back to well-known platform commands.
func OpenURL(url string) error {
	log.Infof("opening %s in the default browser", url)
	err := open.Start(url)
	if err == nil {
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)

	cmd, errCmd := platformCommand(url)
	if errCmd != nil {
		return errCmd
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	// Reap the child so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

func platformCommand(url string) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	case "linux":
		for _, name := range linuxBrowsers {
			if _, err := exec.LookPath(name); err == nil {
				return exec.Command(name, url), nil
			}
		}
		return nil, fmt.Errorf("no suitable browser found on Linux system")
	}
	return nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
}
