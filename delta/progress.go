// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package delta

// A ProgressSink is notified about every chunk the performer absorbs from
// the download stream. Notifications are strictly monotonic in bytes.
type ProgressSink interface {
	DownloadProgress(bytesSoFar uint64)
}

type nullProgress struct{}

func (nullProgress) DownloadProgress(uint64) {}

// NullProgress is a progress sink that does nothing.
var NullProgress ProgressSink = nullProgress{}
