package main

import (
	"os"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
