// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-tasksync - Local-First Offline Sync Engine")
	fmt.Println("================================================")
	fmt.Println()
	fmt.Println("go-tasksync keeps a task-management client fully usable offline: every")
	fmt.Println("mutation applies instantly to a local cache and durable store, then")
	fmt.Println("reconciles with the server in the background when connectivity allows.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println()
	fmt.Println("1. 🔄 tasksync")
	fmt.Println("   The sync engine: optimistic collections, pending-operation drains,")
	fmt.Println("   timestamp conflict resolution, temp-ID reconciliation and the")
	fmt.Println("   full/incremental/quick sync orchestrator.")
	fmt.Println()

	fmt.Println("2. 🗄️  tasksqlite")
	fmt.Println("   SQLite-backed durable store so pending operations survive app")
	fmt.Println("   restarts and offline stretches.")
	fmt.Println()

	fmt.Println("📚 Example:")
	fmt.Println()
	fmt.Println("   💡 Offline Demo (examples/offline_demo/)")
	fmt.Println("   Creates a list, tasks and comments while offline, then reconnects")
	fmt.Println("   and watches temp IDs reconcile against an in-process server.")
	fmt.Println("   Run: cd examples/offline_demo && go run .")
	fmt.Println()
}
