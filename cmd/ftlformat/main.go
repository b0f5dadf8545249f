// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command ftlformat formats a pair of fake block devices from a
// conf.FormatRequest document and reports the resulting layout. It
// stands in for the real (out-of-scope) SPDK RPC surface just far
// enough to exercise conf's config-loading path end to end; there is
// no real bdev backend in this module; see bdev.Fake.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/conf"
	"github.com/ftl-project/ftl/device"
)

var (
	dashv bool
	dashf string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dashf, "f", "", "format request document (YAML or JSON)")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

// pump drains a bdev.Fake's pending completions until a full pass
// produces none; nothing else advances a Fake outside of tests, so a
// real driver loop has to do it itself (see bdev.Fake.Poll).
func pump(devs ...*bdev.Fake) {
	for {
		n := 0
		for _, d := range devs {
			n += d.Poll()
		}
		if n == 0 {
			return
		}
	}
}

func main() {
	flag.Parse()
	if dashf == "" {
		exitf("ftlformat: -f <request-file> is required")
	}
	data, err := os.ReadFile(dashf)
	if err != nil {
		exitf("ftlformat: %s", err)
	}
	req, err := conf.ParseFormatRequest(data)
	if err != nil {
		exitf("ftlformat: %s", err)
	}

	logf := func(string, ...interface{}) {}
	if dashv {
		logf = func(f string, args ...interface{}) { fmt.Fprintf(os.Stderr, f+"\n", args...) }
	}

	nvc, btm := req.BuildDevices()
	cfg := req.ConfigFor(nvc, btm, logf)

	var dev *device.Device
	var ferr error
	device.Format(cfg, func(d *device.Device, err error) {
		dev, ferr = d, err
	})
	pump(nvc, btm)
	if ferr != nil {
		exitf("ftlformat: format: %s", ferr)
	}
	fmt.Printf("formatted uuid=%s num_lbas=%d\n", dev.UUID(), dev.NumLBAs())

	var herr error
	dev.Halt(func(err error) { herr = err })
	pump(nvc, btm)
	if herr != nil {
		exitf("ftlformat: halt: %s", herr)
	}
}
