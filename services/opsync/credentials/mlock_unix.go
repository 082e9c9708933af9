// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build unix

package credentials

import "golang.org/x/sys/unix"

// mlockLimitKB returns the RLIMIT_MEMLOCK soft limit in KB, -1 if unlimited.
func mlockLimitKB() (int64, bool) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return 0, false
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return -1, true
	}
	return int64(rlimit.Cur / 1024), true
}
