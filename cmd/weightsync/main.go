// Command weightsync syncs smart scale measurements to Garmin Connect.
package main

import (
	"os"

	"github.com/hayashishungenn/garmin-weight-sync/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
