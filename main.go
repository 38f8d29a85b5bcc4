// Command catalog runs the cultural catalog CLI and server.
package main

import (
	"os"

	"github.com/JakeFAU/culture-catalog/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
