// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command opsync is the command-line front end of the opsync client.
//
// Every command renders what the client core returns: connection problems
// as a banner, failed saves (already rolled back) as a notice.
//
// # Usage
//
//	opsync status
//	opsync login --email dev@opsync.local
//	opsync list units
//	opsync create units name=kg
//	opsync update units 3 name=kilogram active=false
//	opsync delete units 3
//	opsync monitor
package main

import (
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
