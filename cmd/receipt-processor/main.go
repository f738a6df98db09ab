package main

import (
	"os"

	"github.com/craexpense/receipt-processor/cmd/receipt-processor/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
