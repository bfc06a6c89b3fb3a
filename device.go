// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

/*
#include <infiniband/verbs.h>
#include <string.h>
*/
import "C"

// probeDeviceCaps reports the advisory device capabilities (masked
// atomics, multi-packet receive queue, erasure-coding offload). It issues
// only the legacy ibv_query_device call and makes no extended or
// experimental (ibv_exp_query_device) query, so every capability is
// reported absent, whatever the device supports, and Open logs all three
// warnings.
//
// None of these gate library correctness: absence only produces a warning
// at Open time (see Open in context.go). Masked-atomic verbs posted on a
// device that does not support them will fail at ibv_post_send time and
// surface as a VerbError, not here.
func probeDeviceCaps(ctx *C.struct_ibv_context) deviceCaps {
	var attr C.struct_ibv_device_attr
	if C.ibv_query_device(ctx, &attr) != 0 {
		return deviceCaps{}
	}

	return deviceCaps{
		maskedAtomics: false, // would require ibv_exp_query_device, which is not called
		multiPacketRQ: false,
		ecOffload:     false,
	}
}
