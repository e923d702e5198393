//go:build windows

package main

import "tools.zach/dev/neildev/internal/trigger"

// sendSignal reports that signal triggers do not exist on Windows.
func sendSignal(int, string) error {
	return trigger.ErrUnsupported
}
