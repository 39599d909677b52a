// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

// extraInfoAliases maps a canonical extra-info key to the alternate spelling
// transports and callers may use interchangeably. Lookup falls back from the
// canonical name to its alias and vice versa.
var extraInfoAliases = map[string]string{
	"socket_name":        "sockname",
	"sockname":           "socket_name",
	"peer_name":          "peername",
	"peername":           "peer_name",
	"peer_certification": "peercert",
	"peercert":           "peer_certification",
	"socket":             "sock",
	"sock":               "socket",
}

// ExtraInfo is a keyed metadata table with alias fallback, used by
// transports to publish values like "peername", "ssl_object", or "pipe"
// to whichever protocol is installed on top of them.
type ExtraInfo struct {
	data map[string]any
}

// newExtraInfo returns an empty ExtraInfo table ready for use.
func newExtraInfo() *ExtraInfo {
	return &ExtraInfo{data: make(map[string]any)}
}

// Set stores value under name, overwriting any previous value.
func (e *ExtraInfo) Set(name string, value any) {
	if e.data == nil {
		e.data = make(map[string]any)
	}
	e.data[name] = value
}

// Get returns the value stored under name, or its alias if name itself is
// absent, or def if neither is present.
func (e *ExtraInfo) Get(name string, def any) any {
	if e.data != nil {
		if v, ok := e.data[name]; ok {
			return v
		}
		if alias, ok := extraInfoAliases[name]; ok {
			if v, ok := e.data[alias]; ok {
				return v
			}
		}
	}
	return def
}
