package main

import (
	"os"

	"github.com/wailbentafat/ws-gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
