// Command venue-enrichment enriches venue records from several external
// sources in concurrent batches.
package main

import "github.com/JakeFAU/venue-enrichment/cmd"

func main() {
	cmd.Execute()
}
