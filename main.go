// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-moodsync - Local-First Mood Journal Storage")
	fmt.Println("=================================================")
	fmt.Println()
	fmt.Println("go-moodsync stores mood-journal records in a durable local SQLite database")
	fmt.Println("and mirrors them to an optional encrypted PostgreSQL store, with a durable")
	fmt.Println("sync queue, automatic reconnection and field-level conflict resolution.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 📓 Journal Flow Example (examples/journal_flow/)")
	fmt.Println("   End-to-end local-first flow: offline writes, queued replication,")
	fmt.Println("   reconnection, conflict resolution and encrypted remote storage")
	fmt.Println("   Run: cd examples/journal_flow && go run .")
	fmt.Println("   (set DATABASE_URL to mirror into PostgreSQL; omit it for local-only)")
	fmt.Println()
}
