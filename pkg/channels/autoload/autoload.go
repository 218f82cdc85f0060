// Package autoload exists purely for its import side effects: it pulls in
// every channel adapter so each one's init() registers itself with
// pkg/channels' factory map. Importing this package blank is how main.go
// opts every built adapter in without main.go needing to know their names.
package autoload

import (
	_ "threadline/pkg/channels/telegram"
	_ "threadline/pkg/channels/web"
)
