// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatengine is a terminal front end for the chat engine and a
// launcher for the reference backend.
//
//	chatengine serve                 run the devserver on 127.0.0.1:12230
//	chatengine chat                  interactive chat
//	chatengine chat "question"       one-shot prompt
//	chatengine debate "topic"        pro/con debate
//	chatengine live [room]           join a live room
//	chatengine sessions list|open|clear
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
