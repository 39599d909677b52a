// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioruntime

// defaultPorts is the scheme-to-port registry consumed by higher layers for
// default-port detection; URL/HTTP parsing itself is out of scope here.
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// DefaultPort returns the conventional port for scheme and true, or
// (0, false) if scheme is not one of the known schemes.
func DefaultPort(scheme string) (int, bool) {
	port, ok := defaultPorts[scheme]
	return port, ok
}
