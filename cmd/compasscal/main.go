package main

import (
	"os"
	_ "time/tzdata"

	appLog "compasscal/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		appLog.Error("compasscal failed", err)
		os.Exit(1)
	}
}
