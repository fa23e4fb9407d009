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

package probe

import "github.com/dechainy-go/dechainy/pkg/ebpf"

// Compilation holds the handles CompileHook produced for a probe's ingress
// and/or egress source. A probe that only declares one direction leaves the
// other nil.
type Compilation struct {
	Ingress ebpf.Handle
	Egress  ebpf.Handle
}

// Close releases both handles, tolerating either being nil.
func (c Compilation) Close() error {
	var err error
	if c.Ingress != nil {
		if e := c.Ingress.Close(); e != nil {
			err = e
		}
	}
	if c.Egress != nil {
		if e := c.Egress.Close(); e != nil {
			err = e
		}
	}
	return err
}
