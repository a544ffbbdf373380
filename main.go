// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-transact - Pseudo-Transactions for Document Stores")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("go-transact batches inserts, updates and removes across collections and")
	fmt.Println("rolls back applied changes with compensating operations when any change fails.")
	fmt.Println()

	fmt.Println("Available Examples:")
	fmt.Println()
	fmt.Println("1. Bank Transfer (examples/bank_transfer/)")
	fmt.Println("   Moves funds between two accounts over an embedded SQLite store,")
	fmt.Println("   then demonstrates automatic rollback when a change fails.")
	fmt.Println("   Run: cd examples/bank_transfer && go run .")
	fmt.Println()

	fmt.Println("2. PostgreSQL Transfer (examples/postgres_transfer/)")
	fmt.Println("   The same transfer against a PostgreSQL-backed store.")
	fmt.Println("   Requires DATABASE_URL pointing at a reachable server.")
	fmt.Println("   Run: cd examples/postgres_transfer && go run .")
	fmt.Println()
}
