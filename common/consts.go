/*
 *
 * gopuppet - a puppeteer-style browser automation library for Go
 * Copyright (C) 2022 The gopuppet authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import "time"

const (
	// Defaults

	DefaultTimeout time.Duration = 30 * time.Second

	// Isolated world used for library-internal evaluations so that page
	// scripts cannot observe or tamper with them.

	utilityWorldName = "__gopuppet_utility_world__"

	// Suffix appended to every script the library injects. Stack frames
	// carrying it are filtered out of error reports.

	evaluationScriptURL = "__gopuppet_evaluation_script__"

	sourceURLCommentPrefix = "//# sourceURL="
)
