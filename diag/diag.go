// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag exposes runtime introspection of a debug session over
// HTTP: live charts of the Go runtime at /debug/charts plus expvar
// counters the glue layer increments as it moves data.
package diag

import (
	"expvar"
	"net/http"

	_ "github.com/mkevac/debugcharts"
)

// Session counters, published under /debug/vars.
var (
	// TransferBytes counts target memory moved in either direction.
	TransferBytes = expvar.NewInt("dbgcore.transfer_bytes")

	// LinkFaults counts sticky link errors surfaced by CheckError.
	LinkFaults = expvar.NewInt("dbgcore.link_faults")

	// HaltPolls counts halt-reason polls issued by the front-end.
	HaltPolls = expvar.NewInt("dbgcore.halt_polls")
)

// Serve blocks, serving the diagnostics endpoint on addr. The debugcharts
// handlers register themselves on the default mux at import time.
func Serve(addr string) error {
	return http.ListenAndServe(addr, nil)
}
