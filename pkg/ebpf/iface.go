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
	"fmt"
	"os"

	"github.com/vishvananda/netlink"
)

// sentinelName is the dummy interface created once per running controller.
// Its presence is the process-wide mutual-exclusion marker: a second
// controller process sharing the same network namespace must refuse to
// start rather than race the first one's chains.
const sentinelName = "DeChainy"

// ResolveInterface returns the ifindex for name, the InterfaceResolver the
// Source Rewriter's REDIRECT pass needs.
func ResolveInterface(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrUnknownInterface, name, err)
	}
	return link.Attrs().Index, nil
}

// AcquireSentinel creates the DeChainy dummy link, the mutual-exclusion
// marker for one controller per network namespace. It fails with
// ErrAlreadyRunning if the link already exists, carrying the same
// remediation text the original tooling printed (delete the stray
// interface, or any leftover clsact qdiscs, before retrying).
func AcquireSentinel() error {
	existing, err := netlink.LinkByName(sentinelName)
	if err == nil {
		_ = existing
		return ErrAlreadyRunning
	}
	if _, ok := err.(netlink.LinkNotFoundError); !ok {
		return fmt.Errorf("checking for existing sentinel: %w", err)
	}

	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: sentinelName}}
	if err := netlink.LinkAdd(dummy); err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("creating sentinel interface: %w", err)
	}
	return nil
}

// ReleaseSentinel removes the DeChainy dummy link. Safe to call when it's
// already gone.
func ReleaseSentinel() error {
	link, err := netlink.LinkByName(sentinelName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("looking up sentinel interface: %w", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("removing sentinel interface: %w", err)
	}
	return nil
}
