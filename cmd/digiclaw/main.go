package main

import (
	"os"

	"github.com/sipeed/digiclaw/pkg/logger"
)

func main() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
