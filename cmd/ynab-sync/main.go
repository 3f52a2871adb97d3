// Command ynab-sync keeps a local cache of YNAB budgets in sync with the
// server and queues local changes while offline.
package main

import "github.com/eshaffer321/ynab-sync/internal/cli"

func main() {
	cli.Execute()
}
