package main

import (
	"os"

	"github.com/PeerPigeon/PigeonNS/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
