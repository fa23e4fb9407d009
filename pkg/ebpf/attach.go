// Copyright 2024 The Inspektor Gadget authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ebpf

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const qdiscType = "clsact"

// Attacher owns the kernel-visible side effects of a hook going from empty
// to occupied (or back): the clsact qdisc and filter for TC hooks, the XDP
// link for XDP hooks. One Attacher serves every interface; state describing
// what's attached where lives on the InterfaceHolder/HookSlot, not here.
type Attacher struct{}

func NewAttacher() *Attacher { return &Attacher{} }

// EnsureClsact creates the clsact qdisc on ifindex if it isn't already
// there. Safe to call once per interface regardless of how many TC hooks
// end up using it.
func (a *Attacher) EnsureClsact(ifindex int) error {
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: qdiscType,
	}
	if err := netlink.QdiscAdd(qdisc); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("%w: creating clsact qdisc on ifindex %d: %v", ErrAttachFailed, ifindex, err)
	}
	return nil
}

// RemoveClsact deletes the clsact qdisc, called once the interface's last TC
// hook (ingress or egress) goes empty.
func (a *Attacher) RemoveClsact(ifindex int) error {
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: qdiscType,
	}
	if err := netlink.QdiscDel(qdisc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing clsact qdisc on ifindex %d: %w", ifindex, err)
	}
	return nil
}

// tcParent returns the clsact filter parent handle for a direction.
func tcParent(dir Direction) uint32 {
	if dir == Ingress {
		return netlink.HANDLE_MIN_INGRESS
	}
	return netlink.HANDLE_MIN_EGRESS
}

// AttachTCPivot installs the pivot program's fd as the direct-action
// bpf filter for dir on ifindex. Only the pivot is ever attached as a
// kernel-visible filter; every other probe in the chain is reached purely
// through tail calls, so attach/detach cost is paid once per hook, not once
// per probe.
func (a *Attacher) AttachTCPivot(ifindex int, dir Direction, fd int) (*netlink.BpfFilter, error) {
	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    tcParent(dir),
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           fd,
		Name:         "dechainy_pivot",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: attaching TC pivot on ifindex %d: %v", ErrAttachFailed, ifindex, err)
		}
	}
	return filter, nil
}

// DetachTCFilter removes a previously attached TC filter.
func (a *Attacher) DetachTCFilter(filter *netlink.BpfFilter) error {
	if filter == nil {
		return nil
	}
	if err := netlink.FilterDel(filter); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing TC filter: %w", err)
	}
	return nil
}

// AttachXDPPivot attaches the pivot program to ifindex under the requested
// mode, returning the link so it can be detached later. The caller is
// responsible for enforcing that every XDP probe on the same interface
// requests the same mode; this call does not negotiate that itself.
func (a *Attacher) AttachXDPPivot(ifindex int, mode Mode, prog *ebpf.Program) (link.Link, error) {
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
		Flags:     mode.xdpFlag(),
	})
	if err != nil {
		return nil, &AttachError{Interface: fmt.Sprintf("ifindex %d", ifindex), Reason: err.Error()}
	}
	return l, nil
}

// DetachXDP closes a previously attached XDP link.
func (a *Attacher) DetachXDP(l link.Link) error {
	if l == nil {
		return nil
	}
	return l.Close()
}

// TeardownAll aggregates every cleanup error encountered while tearing down
// an interface's remaining kernel state, mirroring the chain manager's
// need to keep going even when one step fails.
func TeardownAll(steps ...func() error) error {
	var result *multierror.Error
	for _, step := range steps {
		if err := step(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
