// Command coverctl runs coverage analysis and technique lookups from the shell.
package main

import (
	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
