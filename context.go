// This project is licensed under the GNU General Public License v2.0.
// See the LICENSE file for more details.

package rdma

/*
#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_device *pick_device(struct ibv_device **list, int n, const char *name) {
	if (name == NULL || name[0] == '\0') {
		return n > 0 ? list[0] : NULL;
	}
	for (int i = 0; i < n; i++) {
		if (strcmp(ibv_get_device_name(list[i]), name) == 0) {
			return list[i];
		}
	}
	return NULL;
}

static int gid_is_zero(union ibv_gid *gid) {
	for (int i = 0; i < 16; i++) {
		if (gid->raw[i] != 0) {
			return 0;
		}
	}
	return 1;
}

static struct ibv_xrcd *open_xrcd(struct ibv_context *ctx) {
	struct ibv_xrcd_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.comp_mask = IBV_XRCD_INIT_ATTR_FD | IBV_XRCD_INIT_ATTR_OFLAGS;
	attr.fd = -1;
	attr.oflags = O_CREAT;
	return ibv_open_xrcd(ctx, &attr);
}
*/
import "C"

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

const rdmaPort = 1

// registeredMR is one entry of a Context's fixed-capacity MR table.
type registeredMR struct {
	mr    *C.struct_ibv_mr
	addr  uintptr
	size  uintptr
	lkey  uint32
	rkey  uint32
	perms Permission
}

// Context owns one opened RNIC device, one protection domain, one XRC
// domain, a port/GID snapshot, and the process's registered-MR table. One
// Context per process is the supported configuration; it is shared by
// every Cluster/Peer/Endpoint built on top of it. An atomic refcount
// tracks the live Clusters and Peers; endpoints hold the Context pointer
// without taking a reference of their own.
type Context struct {
	rank int32 // set once by Cluster; -1 before then, used only for fatal() messages

	device  *C.struct_ibv_device
	ibvctx  *C.struct_ibv_context
	pd      *C.struct_ibv_pd
	xrcd    *C.struct_ibv_xrcd
	devName string

	lid uint16
	gid [16]byte

	refcount atomic.Int32

	mrs   [MaxMrs]registeredMR
	nmrs  int32
}

// deviceCaps records the advisory device-attribute probe performed at
// Open; see probeDeviceCaps in device.go.
type deviceCaps struct {
	maskedAtomics   bool
	multiPacketRQ   bool
	ecOffload       bool
}

// Open opens device deviceName (the first enumerated device if empty),
// allocates a PD and an XRCD, and snapshots port 1's LID and GID index 1.
// It returns a *DeviceError if no device matches or any allocation fails.
func Open(deviceName string) (*Context, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		return nil, &DeviceError{Msg: "no RDMA devices available"}
	}
	defer C.ibv_free_device_list(list)

	var cName *C.char
	if deviceName != "" {
		cName = C.CString(deviceName)
		defer C.free(unsafe.Pointer(cName))
	}
	dev := C.pick_device(list, n, cName)
	if dev == nil {
		return nil, &DeviceError{Msg: fmt.Sprintf("device %q not found", deviceName)}
	}
	goName := C.GoString(C.ibv_get_device_name(dev))

	ibvctx := C.ibv_open_device(dev)
	if ibvctx == nil {
		return nil, &DeviceError{Msg: fmt.Sprintf("ibv_open_device(%s) failed", goName)}
	}

	var portAttr C.struct_ibv_port_attr
	if C.ibv_query_port(ibvctx, C.uint8_t(rdmaPort), &portAttr) != 0 {
		C.ibv_close_device(ibvctx)
		return nil, &DeviceError{Msg: fmt.Sprintf("ibv_query_port(%s, %d) failed", goName, rdmaPort)}
	}

	var gid C.union_ibv_gid
	if C.ibv_query_gid(ibvctx, C.uint8_t(rdmaPort), 1, &gid) != 0 {
		C.ibv_close_device(ibvctx)
		return nil, &DeviceError{Msg: fmt.Sprintf("ibv_query_gid(%s, %d, 1) failed", goName, rdmaPort)}
	}

	pd := C.ibv_alloc_pd(ibvctx)
	if pd == nil {
		C.ibv_close_device(ibvctx)
		return nil, &DeviceError{Msg: "ibv_alloc_pd failed"}
	}

	xrcd := C.open_xrcd(ibvctx)
	if xrcd == nil {
		C.ibv_dealloc_pd(pd)
		C.ibv_close_device(ibvctx)
		return nil, &DeviceError{Msg: "ibv_open_xrcd failed"}
	}

	ctx := &Context{
		rank:    -1,
		device:  dev,
		ibvctx:  ibvctx,
		pd:      pd,
		xrcd:    xrcd,
		devName: goName,
		lid:     uint16(portAttr.lid),
	}
	for i := 0; i < 16; i++ {
		ctx.gid[i] = byte(gid.raw[i])
	}

	caps := probeDeviceCaps(ibvctx)
	if !caps.maskedAtomics {
		log.Warn().Str("device", goName).Msg("device does not report masked-atomic support")
	}
	if !caps.multiPacketRQ {
		log.Warn().Str("device", goName).Msg("device does not report multi-packet receive queue support")
	}
	if !caps.ecOffload {
		log.Warn().Str("device", goName).Msg("device does not report erasure-coding offload support")
	}

	log.Info().Str("device", goName).Uint16("lid", ctx.lid).Msg("context opened")
	return ctx, nil
}

// setRank records the owning process's rank for use in fatal() messages.
// Called exactly once by NewCluster.
func (c *Context) setRank(rank int) { atomic.StoreInt32(&c.rank, int32(rank)) }

func (c *Context) rankOrUnknown() int { return int(atomic.LoadInt32(&c.rank)) }

// acquire increments the refcount. Every Cluster and Peer built on this
// Context calls it exactly once at construction; ReliableEndpoint and
// ExtendedEndpoint do not call it.
func (c *Context) acquire() { c.refcount.Add(1) }

// release decrements the refcount. The last releaser does not tear down
// the Context automatically — Close must be called explicitly — but a
// Close while the refcount is still positive refuses and logs instead.
func (c *Context) release() { c.refcount.Add(-1) }

// LID returns the locally cached port identifier.
func (c *Context) LID() uint16 { return c.lid }

// GID returns the locally cached port GID.
func (c *Context) GID() [16]byte { return c.gid }

// DeviceName returns the name of the opened RNIC.
func (c *Context) DeviceName() string { return c.devName }

// MRCount returns the number of memory regions currently registered.
func (c *Context) MRCount() int { return int(atomic.LoadInt32(&c.nmrs)) }

// RegisterMemory registers the byte range starting at addr with the given
// permissions and returns its slot index in [0, MaxMrs), or -1 if the
// table is full or registration fails.
func (c *Context) RegisterMemory(addr unsafe.Pointer, size uintptr, perm Permission) int {
	idx := atomic.LoadInt32(&c.nmrs)
	if idx >= MaxMrs {
		return -1
	}

	access := toIBVAccess(perm)
	mr := C.ibv_reg_mr(c.pd, addr, C.size_t(size), C.int(access))
	if mr == nil {
		return -1
	}

	c.mrs[idx] = registeredMR{
		mr:    mr,
		addr:  uintptr(addr),
		size:  size,
		lkey:  uint32(mr.lkey),
		rkey:  uint32(mr.rkey),
		perms: perm,
	}
	atomic.AddInt32(&c.nmrs, 1)
	return int(idx)
}

// MatchLocalLkey scans the registered-MR table for the first entry that
// fully contains [addr, addr+size) and returns its lkey. No match is a
// fatal programmer error: the RDMA verb that triggered the lookup named a
// local address outside every registered region. The scan is unrolled
// over MaxMrs with fallthrough so it costs a fixed handful of comparisons
// regardless of table occupancy.
func (c *Context) MatchLocalLkey(addr unsafe.Pointer, size uintptr) uint32 {
	a := uintptr(addr)
	n := int(atomic.LoadInt32(&c.nmrs))

	switch n {
	case 4:
		if within(c.mrs[3], a, size) {
			return c.mrs[3].lkey
		}
		fallthrough
	case 3:
		if within(c.mrs[2], a, size) {
			return c.mrs[2].lkey
		}
		fallthrough
	case 2:
		if within(c.mrs[1], a, size) {
			return c.mrs[1].lkey
		}
		fallthrough
	case 1:
		if within(c.mrs[0], a, size) {
			return c.mrs[0].lkey
		}
	}

	fatal(c.rankOrUnknown(), "cannot match local mr")
	return 0 // unreachable: fatal exits the process
}

func within(m registeredMR, addr uintptr, size uintptr) bool {
	if m.size == 0 {
		return false
	}
	return addr >= m.addr && addr+size <= m.addr+m.size
}

// Close deregisters every MR in reverse creation order, closes the XRCD,
// deallocates the PD, and closes the device — but only if refcount is 0.
// A nonzero refcount logs and leaves every RNIC resource allocated rather
// than risk freeing something a live Cluster/Peer/Endpoint still
// references: it is always safe to leak at process exit, never safe to
// free out from under a live dependent.
func (c *Context) Close() error {
	if rc := c.refcount.Load(); rc > 0 {
		log.Error().Int32("refcount", rc).Msg("Context.Close called with live dependents, refusing to release RNIC resources")
		return fmt.Errorf("rdma: context still has %d live dependents", rc)
	}

	for i := int(atomic.LoadInt32(&c.nmrs)) - 1; i >= 0; i-- {
		if c.mrs[i].mr != nil {
			C.ibv_dereg_mr(c.mrs[i].mr)
			c.mrs[i].mr = nil
		}
	}
	if c.xrcd != nil {
		C.ibv_close_xrcd(c.xrcd)
	}
	if c.pd != nil {
		C.ibv_dealloc_pd(c.pd)
	}
	if c.ibvctx != nil {
		C.ibv_close_device(c.ibvctx)
	}
	log.Info().Str("device", c.devName).Msg("context closed")
	return nil
}

func toIBVAccess(perm Permission) C.int {
	var flags C.int
	if perm&PermLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if perm&PermRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if perm&PermRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	if perm&PermRemoteAtomic != 0 {
		flags |= C.IBV_ACCESS_REMOTE_ATOMIC
	}
	return flags
}
