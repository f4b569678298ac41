// dbgcore
// https://github.com/blackprobe/dbgcore
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package adiv5

import "errors"

// Sentinel errors for the kinds in Callers use errors.Is.
var (
	ErrLinkFault      = errors.New("adiv5: link fault (sticky FAULT ack)")
	ErrLinkWait       = errors.New("adiv5: link wait budget exceeded")
	ErrLinkNoResponse = errors.New("adiv5: no response from target")
	ErrLinkParity     = errors.New("adiv5: parity error")
	ErrMemFault       = errors.New("adiv5: memory access fault")
	ErrTimeout        = errors.New("adiv5: operation timed out")
	ErrNoTargetSel    = errors.New("adiv5: DPv2+ operation requires TARGETSEL")
	ErrAPAbsent       = errors.New("adiv5: access port absent")
)
